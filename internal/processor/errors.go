package processor

import "errors"

// InitializationError reports that the default model could not be made
// ready.
type InitializationError struct {
	Ref string
	Err error
}

func (e *InitializationError) Error() string { return "initialize " + e.Ref + ": " + e.Err.Error() }

func (e *InitializationError) Unwrap() error { return e.Err }

// IsInitialization reports whether err is an InitializationError.
func IsInitialization(err error) bool {
	var ie *InitializationError
	return errors.As(err, &ie)
}

// streamedError marks a task failure after fragments already reached the
// caller. Such a task is not re-routed, since a second device would restart
// the text the caller has partly seen.
type streamedError struct{ err error }

func (e *streamedError) Error() string { return e.err.Error() }

func (e *streamedError) Unwrap() error { return e.err }

var (
	// ErrNotInitialized is returned for requests without a model while no
	// default model is loaded.
	ErrNotInitialized = errors.New("model not loaded")
	// ErrEmptyPrompt is returned when neither prompt nor messages carry text.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("processor shut down")
)
