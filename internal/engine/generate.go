package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

// Usage is the token accounting of one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Elapsed          time.Duration
}

// TokensPerSecond returns completion tokens per second of elapsed time.
func (u Usage) TokensPerSecond() float64 {
	if u.Elapsed <= 0 {
		return 0
	}
	return float64(u.CompletionTokens) / u.Elapsed.Seconds()
}

// Result is the outcome of a generation. It is populated even when an error
// is returned alongside it, so partial output is never lost.
type Result struct {
	Tokens     []backend.Token
	Text       string
	Usage      Usage
	Stop       StopReason
	Incomplete bool
}

// TokenFunc receives each produced token before the next evaluation step. It
// runs on the generation goroutine and must return quickly.
type TokenFunc func(tok backend.Token, text string)

// session is the per-request generation state.
type session struct {
	prompt []backend.Token
	out    []backend.Token
	text   strings.Builder
	stop   StopReason
}

// Generate runs a full generation for tokens and returns the result.
func (e *Engine) Generate(ctx context.Context, tokens []backend.Token, cfg types.InferenceConfig) (Result, error) {
	return e.GenerateStreaming(ctx, tokens, cfg, nil)
}

// GenerateStreaming runs a generation for tokens, invoking onToken once per
// produced token. Cancelling ctx stops generation at the next iteration.
func (e *Engine) GenerateStreaming(ctx context.Context, tokens []backend.Token, cfg types.InferenceConfig, onToken TokenFunc) (Result, error) {
	release, err := e.admit(ctx)
	if err != nil {
		return cancelledOr(err)
	}
	defer release()
	return e.run(ctx, tokens, cfg, onToken)
}

// Complete tokenizes prompt and generates from it while holding the model
// for the whole request.
func (e *Engine) Complete(ctx context.Context, prompt string, cfg types.InferenceConfig, onToken TokenFunc) (Result, error) {
	release, err := e.admit(ctx)
	if err != nil {
		return cancelledOr(err)
	}
	defer release()

	e.setState(StateTokenizing)
	tokens, err := e.model.Tokenize(prompt, true)
	if err != nil {
		e.setState(StateIdle)
		return Result{Stop: StopError, Incomplete: true}, &TokenizationError{Msg: "backend", Err: err}
	}
	return e.run(ctx, tokens, cfg, onToken)
}

func (e *Engine) admit(ctx context.Context) (func(), error) {
	start := time.Now()
	release, err := e.gate.enter(ctx)
	queueWait.WithLabelValues(e.id).Observe(time.Since(start).Seconds())
	return release, err
}

// cancelledOr converts a cancellation observed while queued into a normal
// cancelled result.
func cancelledOr(err error) (Result, error) {
	if errors.Is(err, context.Canceled) {
		return Result{Stop: StopCancelled, Incomplete: true}, nil
	}
	return Result{Stop: StopError, Incomplete: true}, err
}

func (e *Engine) run(ctx context.Context, prompt []backend.Token, cfg types.InferenceConfig, onToken TokenFunc) (Result, error) {
	cfg = cfg.Normalize()
	ctxSize := cfg.CtxSize
	if e.ctxSize > 0 && e.ctxSize < ctxSize {
		ctxSize = e.ctxSize
	}
	start := time.Now()
	s := &session{prompt: prompt}
	defer e.setState(StateIdle)

	if len(prompt) == 0 {
		return e.finish(s, start, StopError), &TokenizationError{Msg: "empty prompt"}
	}
	if len(prompt) >= ctxSize {
		return e.finish(s, start, StopError), &TokenizationError{Msg: "prompt exceeds context size"}
	}
	if err := e.model.Reset(); err != nil {
		return e.finish(s, start, StopError), &EvaluationError{Err: err}
	}

	e.setState(StateEvaluating)
	if err := e.model.Evaluate(prompt, 0); err != nil {
		return e.finish(s, start, StopError), &EvaluationError{Step: 0, Err: err}
	}
	pos := len(prompt)
	sampler := NewSampler(cfg)
	eos := e.model.EOS()

	for {
		if ctx.Err() != nil {
			return e.finish(s, start, StopCancelled), nil
		}
		if len(s.out) >= cfg.NPredict || pos >= ctxSize {
			return e.finish(s, start, StopMaxTokens), nil
		}

		e.setState(StateSampling)
		logits, err := e.model.Logits()
		if err != nil {
			return e.finish(s, start, StopError), &EvaluationError{Step: len(s.out), Err: err}
		}
		tok := sampler.Sample(logits, s.out)
		if tok == eos {
			return e.finish(s, start, StopEOS), nil
		}

		e.setState(StateEmitting)
		piece, err := e.model.TokenToText(tok)
		if err != nil {
			return e.finish(s, start, StopError), &TokenizationError{Msg: "detokenize", Err: err}
		}
		s.out = append(s.out, tok)
		s.text.WriteString(piece)
		if onToken != nil {
			onToken(tok, piece)
		}
		if len(s.out) >= cfg.NPredict {
			return e.finish(s, start, StopMaxTokens), nil
		}

		e.setState(StateEvaluating)
		if err := e.model.Evaluate([]backend.Token{tok}, pos); err != nil {
			return e.finish(s, start, StopError), &EvaluationError{Step: len(s.out), Err: err}
		}
		pos++
	}
}

func (e *Engine) finish(s *session, start time.Time, stop StopReason) Result {
	s.stop = stop
	u := Usage{
		PromptTokens:     len(s.prompt),
		CompletionTokens: len(s.out),
		Elapsed:          time.Since(start),
	}
	e.record(u)
	tokensTotal.WithLabelValues(e.id, "prompt").Add(float64(u.PromptTokens))
	tokensTotal.WithLabelValues(e.id, "completion").Add(float64(u.CompletionTokens))
	stopsTotal.WithLabelValues(e.id, string(stop)).Inc()
	generationDuration.WithLabelValues(e.id).Observe(u.Elapsed.Seconds())
	e.log.Debug().
		Str("event", "generation_done").
		Str("stop", string(stop)).
		Int("prompt_tokens", u.PromptTokens).
		Int("completion_tokens", u.CompletionTokens).
		Dur("elapsed", u.Elapsed).
		Msg("generation finished")
	return Result{
		Tokens:     s.out,
		Text:       s.text.String(),
		Usage:      u,
		Stop:       stop,
		Incomplete: stop == StopCancelled || stop == StopError,
	}
}
