// Package engine runs autoregressive generation against a single loaded
// model. An Engine serializes access to its model: exactly one generation
// runs at a time and later callers wait in arrival order.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
)

// defaultMaxQueueDepth applies when Options.MaxQueueDepth is unset.
const defaultMaxQueueDepth = 32

// State is the step the engine is currently executing.
type State int32

const (
	StateIdle State = iota
	StateTokenizing
	StateEvaluating
	StateSampling
	StateEmitting
)

func (s State) String() string {
	switch s {
	case StateTokenizing:
		return "tokenizing"
	case StateEvaluating:
		return "evaluating"
	case StateSampling:
		return "sampling"
	case StateEmitting:
		return "emitting"
	default:
		return "idle"
	}
}

// StopReason tells why a generation ended.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// Options configures an Engine.
type Options struct {
	ModelID string
	// CtxSize is the context length the model was loaded with. Requests
	// asking for more are bounded by it. Zero leaves requests unbounded.
	CtxSize       int
	MaxQueueDepth int
	// MaxWait bounds the time a request may wait for the model. Zero waits
	// until the request's context ends.
	MaxWait time.Duration
	Logger  zerolog.Logger
}

// Engine owns one model for its generation lifetime.
type Engine struct {
	id      string
	model   backend.Model
	ctxSize int
	gate    *gate
	log     zerolog.Logger
	state   atomic.Int32

	mu    sync.Mutex
	stats Stats
}

// New binds an engine to model.
func New(model backend.Model, opts Options) *Engine {
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = defaultMaxQueueDepth
	}
	return &Engine{
		id:      opts.ModelID,
		model:   model,
		ctxSize: opts.CtxSize,
		gate:    newGate(opts.ModelID, opts.MaxQueueDepth, opts.MaxWait),
		log:     opts.Logger.With().Str("model", opts.ModelID).Logger(),
	}
}

// ModelID returns the id of the bound model.
func (e *Engine) ModelID() string { return e.id }

// State returns the current step of the running generation.
func (e *Engine) State() State { return State(e.state.Load()) }

// QueueLen returns the number of generations waiting for the model.
func (e *Engine) QueueLen() int { return e.gate.waiting() }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Stats is the per-model usage summary.
type Stats struct {
	Requests      int64
	PromptTokens  int64
	CompletionTok int64
	// AvgLatencyMs is an exponential moving average weighting each new
	// sample by 0.01.
	AvgLatencyMs float64
	LastUsed     time.Time
}

// TotalTokens returns prompt plus completion tokens.
func (s Stats) TotalTokens() int64 { return s.PromptTokens + s.CompletionTok }

// Stats returns a copy of the usage counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) record(u Usage) {
	ms := float64(u.Elapsed) / float64(time.Millisecond)
	e.mu.Lock()
	e.stats.Requests++
	e.stats.PromptTokens += int64(u.PromptTokens)
	e.stats.CompletionTok += int64(u.CompletionTokens)
	e.stats.AvgLatencyMs = e.stats.AvgLatencyMs*0.99 + ms*0.01
	e.stats.LastUsed = time.Now()
	e.mu.Unlock()
}

// Tokenize converts text into tokens with a leading BOS. It holds the
// generation slot while running.
func (e *Engine) Tokenize(ctx context.Context, text string) ([]backend.Token, error) {
	release, err := e.gate.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	toks, err := e.model.Tokenize(text, true)
	if err != nil {
		return nil, &TokenizationError{Msg: "backend", Err: err}
	}
	return toks, nil
}

// Detokenize concatenates the text of tokens.
func (e *Engine) Detokenize(ctx context.Context, tokens []backend.Token) (string, error) {
	release, err := e.gate.enter(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return e.detokenize(tokens)
}

func (e *Engine) detokenize(tokens []backend.Token) (string, error) {
	var b []byte
	for _, t := range tokens {
		s, err := e.model.TokenToText(t)
		if err != nil {
			return string(b), &TokenizationError{Msg: "detokenize", Err: err}
		}
		b = append(b, s...)
	}
	return string(b), nil
}

// Close frees the bound model. The engine must not be used afterwards.
func (e *Engine) Close() error { return e.model.Free() }
