package engine

import (
	"errors"

	"inferd/internal/backend"
)

// TooBusyError signals queue timeout/overflow for 429 mapping.
type TooBusyError struct{ ModelID string }

func (e *TooBusyError) Error() string { return "too busy: " + e.ModelID }

// StatusCode maps the error to HTTP 429.
func (e *TooBusyError) StatusCode() int { return 429 }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var tb *TooBusyError
	return errors.As(err, &tb)
}

// TokenizationError aborts the current request only.
type TokenizationError struct {
	Msg string
	Err error
}

func (e *TokenizationError) Error() string {
	if e.Err != nil {
		return "tokenize: " + e.Msg + ": " + e.Err.Error()
	}
	return "tokenize: " + e.Msg
}

func (e *TokenizationError) Unwrap() error { return e.Err }

// StatusCode maps the error to HTTP 400.
func (e *TokenizationError) StatusCode() int { return 400 }

// IsTokenization reports whether err is a TokenizationError.
func IsTokenization(err error) bool {
	var te *TokenizationError
	return errors.As(err, &te)
}

// EvaluationError reports a failed backend call mid-generation. Partial output
// is preserved in the accompanying Result.
type EvaluationError struct {
	Step int
	Err  error
}

func (e *EvaluationError) Error() string { return "evaluate: " + e.Err.Error() }

func (e *EvaluationError) Unwrap() error { return e.Err }

// Corrupt reports whether the model context must be reloaded.
func (e *EvaluationError) Corrupt() bool { return backend.IsCorrupt(e.Err) }

// IsEvaluation reports whether err is an EvaluationError.
func IsEvaluation(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}

// IsCorrupt reports whether err leaves the model context unusable.
func IsCorrupt(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee) && ee.Corrupt()
}
