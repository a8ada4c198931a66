package engine

import (
	"math"
	"math/rand"
	"sort"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

// Sampler picks the next token from a logits vector. history holds the
// tokens generated so far in the current session.
type Sampler interface {
	Sample(logits []float32, history []backend.Token) backend.Token
}

// NewSampler returns the sampler selected by cfg.Sampler. Anything other
// than "stochastic" yields Greedy.
func NewSampler(cfg types.InferenceConfig) Sampler {
	if cfg.Sampler == types.SamplerStochastic && cfg.Temperature > 0 {
		return newStochastic(cfg)
	}
	return Greedy{}
}

// Greedy selects the maximum logit. Exact ties resolve to the lowest index.
type Greedy struct{}

func (Greedy) Sample(logits []float32, _ []backend.Token) backend.Token {
	return backend.Token(argmax(logits))
}

func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		// strict comparison keeps the lowest index on ties
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// Stochastic applies repeat penalty, temperature, top-k and top-p before
// drawing from the remaining distribution.
type Stochastic struct {
	rng           *rand.Rand
	temperature   float32
	topK          int
	topP          float32
	repeatPenalty float32
	repeatLastN   int

	idx  []int
	prob []float64
}

func newStochastic(cfg types.InferenceConfig) *Stochastic {
	s := &Stochastic{
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		temperature:   cfg.Temperature,
		topK:          cfg.TopK,
		topP:          cfg.TopP,
		repeatPenalty: cfg.RepeatPenalty,
		repeatLastN:   64,
	}
	if s.topP <= 0 || s.topP > 1 {
		s.topP = 1
	}
	return s
}

func (s *Stochastic) Sample(logits []float32, history []backend.Token) backend.Token {
	if len(logits) == 0 {
		return 0
	}
	scaled := make([]float32, len(logits))
	copy(scaled, logits)

	if s.repeatPenalty > 1 && len(history) > 0 {
		start := max(len(history)-s.repeatLastN, 0)
		seen := make(map[backend.Token]struct{}, len(history)-start)
		for _, t := range history[start:] {
			if _, dup := seen[t]; dup || int(t) < 0 || int(t) >= len(scaled) {
				continue
			}
			seen[t] = struct{}{}
			if scaled[t] > 0 {
				scaled[t] /= s.repeatPenalty
			} else {
				scaled[t] *= s.repeatPenalty
			}
		}
	}

	s.idx = s.idx[:0]
	for i := range scaled {
		s.idx = append(s.idx, i)
	}
	// stable so equal logits keep index order
	sort.SliceStable(s.idx, func(a, b int) bool { return scaled[s.idx[a]] > scaled[s.idx[b]] })
	k := len(s.idx)
	if s.topK > 0 && s.topK < k {
		k = s.topK
	}
	s.idx = s.idx[:k]

	inv := 1 / float64(s.temperature)
	maxv := float64(scaled[s.idx[0]])
	if cap(s.prob) < k {
		s.prob = make([]float64, k)
	}
	s.prob = s.prob[:k]
	var sum float64
	for i, id := range s.idx {
		e := math.Exp((float64(scaled[id]) - maxv) * inv)
		s.prob[i] = e
		sum += e
	}
	if sum == 0 {
		return backend.Token(s.idx[0])
	}
	cut := k
	var c float64
	for i := range s.prob {
		s.prob[i] /= sum
		c += s.prob[i]
		if s.topP < 1 && float32(c) >= s.topP && cut == k {
			cut = i + 1
		}
	}
	var total float64
	for i := 0; i < cut; i++ {
		total += s.prob[i]
	}
	r := s.rng.Float64() * total
	for i := 0; i < cut; i++ {
		r -= s.prob[i]
		if r <= 0 {
			return backend.Token(s.idx[i])
		}
	}
	return backend.Token(s.idx[cut-1])
}
