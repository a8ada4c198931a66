// Package backendtest provides a scripted in-memory backend for tests.
//
// Its tokenizer is byte level: BOS is 1, EOS is 2 and byte b maps to token
// b+3, so ASCII text round-trips exactly. Logits are driven by a script of
// tokens; once the script is exhausted the model emits EOS.
package backendtest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"inferd/internal/backend"
)

const (
	BOS backend.Token = 1
	EOS backend.Token = 2

	byteOffset = 3
	vocabSize  = 256 + byteOffset
)

// TokenFor returns the token of a single byte.
func TokenFor(b byte) backend.Token { return backend.Token(b) + byteOffset }

// Tokens returns the tokens of s without BOS.
func Tokens(s string) []backend.Token {
	out := make([]backend.Token, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, TokenFor(s[i]))
	}
	return out
}

// Loader is a scripted backend.Loader. Configure fields before use.
type Loader struct {
	// Delay is slept inside every Load call.
	Delay time.Duration
	// FailFirst makes the first N Load calls fail.
	FailFirst int
	// Script is copied into every loaded model.
	Script []backend.Token
	// EvalDelay is copied into every loaded model.
	EvalDelay time.Duration
	// FailEvalAt is copied into every loaded model.
	FailEvalAt int
	// CorruptOnFail is copied into every loaded model.
	CorruptOnFail bool

	loads atomic.Int64
	mu    sync.Mutex
	built []*Model
}

// ErrLoad is returned by failing Load calls.
var ErrLoad = errors.New("backendtest: load failed")

func (l *Loader) Load(path string, params backend.LoadParams) (backend.Model, error) {
	n := l.loads.Add(1)
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	if int(n) <= l.FailFirst {
		return nil, ErrLoad
	}
	m := &Model{
		Path:          path,
		Params:        params,
		Script:        append([]backend.Token(nil), l.Script...),
		EvalDelay:     l.EvalDelay,
		FailEvalAt:    l.FailEvalAt,
		CorruptOnFail: l.CorruptOnFail,
	}
	l.mu.Lock()
	l.built = append(l.built, m)
	l.mu.Unlock()
	return m, nil
}

// Loads returns the number of Load calls so far.
func (l *Loader) Loads() int { return int(l.loads.Load()) }

// Models returns every model built so far.
func (l *Loader) Models() []*Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Model(nil), l.built...)
}

// Model is a scripted backend.Model.
type Model struct {
	Path   string
	Params backend.LoadParams
	// Script lists the argmax token of each successive Logits call after a
	// Reset. EOS follows once it is exhausted.
	Script []backend.Token
	// EvalDelay is slept inside every Evaluate call.
	EvalDelay time.Duration
	// FailEvalAt makes the n-th Evaluate call (1-based, counted since the
	// last Reset) fail. Zero disables.
	FailEvalAt    int
	CorruptOnFail bool

	step     atomic.Int64
	evalsRun atomic.Int64
	evals    atomic.Int64
	busy     atomic.Int32
	overlap  atomic.Bool
	freed    atomic.Bool
}

func (m *Model) Tokenize(text string, addBOS bool) ([]backend.Token, error) {
	out := make([]backend.Token, 0, len(text)+1)
	if addBOS {
		out = append(out, BOS)
	}
	return append(out, Tokens(text)...), nil
}

func (m *Model) Evaluate(tokens []backend.Token, pos int) error {
	if m.busy.Add(1) != 1 {
		m.overlap.Store(true)
	}
	defer m.busy.Add(-1)
	m.evals.Add(1)
	n := m.evalsRun.Add(1)
	if m.EvalDelay > 0 {
		time.Sleep(m.EvalDelay)
	}
	if m.FailEvalAt > 0 && int(n) == m.FailEvalAt {
		return &backend.EvalError{Pos: pos, Code: -1, Corrupt: m.CorruptOnFail}
	}
	return nil
}

func (m *Model) Logits() ([]float32, error) {
	i := int(m.step.Add(1)) - 1
	next := EOS
	if i < len(m.Script) {
		next = m.Script[i]
	}
	logits := make([]float32, vocabSize)
	logits[next] = 10
	return logits, nil
}

func (m *Model) TokenToText(tok backend.Token) (string, error) {
	switch {
	case tok == BOS || tok == EOS:
		return "", nil
	case tok >= byteOffset && tok < vocabSize:
		return string([]byte{byte(tok - byteOffset)}), nil
	default:
		return "", errors.New("backendtest: token out of range")
	}
}

func (m *Model) Reset() error {
	m.step.Store(0)
	m.evalsRun.Store(0)
	return nil
}

func (m *Model) EOS() backend.Token { return EOS }

func (m *Model) VocabSize() int { return vocabSize }

func (m *Model) Free() error {
	m.freed.Store(true)
	return nil
}

// Evaluations returns the total number of Evaluate calls.
func (m *Model) Evaluations() int { return int(m.evals.Load()) }

// RunEvaluations returns the Evaluate calls since the last Reset.
func (m *Model) RunEvaluations() int { return int(m.evalsRun.Load()) }

// Overlapped reports whether two Evaluate calls ever ran concurrently.
func (m *Model) Overlapped() bool { return m.overlap.Load() }

// Freed reports whether Free was called.
func (m *Model) Freed() bool { return m.freed.Load() }
