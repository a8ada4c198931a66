//go:build !llama

package backend

// llamaLoader is a stub that satisfies Loader but refuses to load models
// without the 'llama' build tag. This avoids any mocked behavior in
// production binaries built without CGO support.
type llamaLoader struct{}

// NewLlamaLoader returns the llama.cpp loader for this build.
func NewLlamaLoader() Loader { return llamaLoader{} }

func (llamaLoader) Load(path string, params LoadParams) (Model, error) {
	return nil, ErrUnavailable
}

// Built reports whether this binary links llama.cpp.
func Built() bool { return false }
