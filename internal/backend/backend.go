// Package backend defines the contract the inference engine consumes from a
// model runtime, and ships the llama.cpp implementation of it.
//
// Build tags:
//
//   - `-tags=llama` links libllama through cgo (llama.go, llama_cgo.go).
//   - without the tag a stub loader is compiled that refuses to load models
//     (llama_stub.go), keeping default builds and CI CGO-free.
package backend

import (
	"errors"
	"fmt"
)

// Token is a vocabulary index.
type Token int32

// LoadParams configures how a model file is loaded and its context created.
type LoadParams struct {
	Threads   int
	CtxSize   int
	Batch     int
	GPULayers int
	UseMMap   bool
	UseMLock  bool
}

// Loader loads model files into runnable models.
type Loader interface {
	Load(path string, params LoadParams) (Model, error)
}

// Model is a loaded model together with its evaluation context. A Model is
// not safe for concurrent use: callers serialize access per model.
type Model interface {
	// Tokenize converts text into tokens, prepending BOS when addBOS is set.
	Tokenize(text string, addBOS bool) ([]Token, error)
	// Evaluate feeds tokens into the context starting at position pos.
	Evaluate(tokens []Token, pos int) error
	// Logits returns the logits of the last evaluated position. The slice has
	// VocabSize entries and is only valid until the next Evaluate.
	Logits() ([]float32, error)
	// TokenToText returns the text fragment of a single token.
	TokenToText(tok Token) (string, error)
	// Reset clears the evaluation context so a new sequence starts at 0.
	Reset() error
	EOS() Token
	VocabSize() int
	// Free releases the model and its context.
	Free() error
}

// ErrUnavailable is returned by the stub loader when the binary was built
// without llama.cpp support.
var ErrUnavailable = errors.New("llama support not built (missing 'llama' build tag)")

// EvalError reports a failed evaluation call. Corrupt is set when the
// context can no longer be trusted and the model must be reloaded.
type EvalError struct {
	Pos     int
	Code    int
	Corrupt bool
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate at pos %d failed (code %d)", e.Pos, e.Code)
}

// IsCorrupt reports whether err leaves the model context unusable.
func IsCorrupt(err error) bool {
	var ee *EvalError
	return errors.As(err, &ee) && ee.Corrupt
}
