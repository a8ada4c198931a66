package cache

import "errors"

// ModelLoadError reports a failed backend load. No entry is retained, so the
// next acquire retries.
type ModelLoadError struct {
	ModelID string
	Path    string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return "load model " + e.ModelID + " (" + e.Path + "): " + e.Err.Error()
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// StatusCode maps the error to HTTP 503.
func (e *ModelLoadError) StatusCode() int { return 503 }

// IsModelLoad reports whether err is a ModelLoadError.
func IsModelLoad(err error) bool {
	var le *ModelLoadError
	return errors.As(err, &le)
}

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("cache: closed")
