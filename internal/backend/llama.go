//go:build llama

package backend

/*
#include <stdlib.h>
#include <stdbool.h>
#include "llama.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"
)

var backendInit sync.Once

// llamaLoader loads GGUF files through libllama.
type llamaLoader struct{}

// NewLlamaLoader returns the llama.cpp loader for this build.
func NewLlamaLoader() Loader { return llamaLoader{} }

// Built reports whether this binary links llama.cpp.
func Built() bool { return true }

func (llamaLoader) Load(path string, p LoadParams) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	backendInit.Do(func() { C.llama_backend_init() })

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	mp := C.llama_model_default_params()
	mp.n_gpu_layers = C.int32_t(p.GPULayers)
	mp.use_mmap = C.bool(p.UseMMap)
	mp.use_mlock = C.bool(p.UseMLock)
	model := C.llama_load_model_from_file(cpath, mp)
	if model == nil {
		return nil, fmt.Errorf("llama_load_model_from_file %s: returned null", path)
	}

	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(p.CtxSize)
	cp.n_batch = C.uint32_t(p.Batch)
	cp.n_threads = C.int32_t(p.Threads)
	cp.n_threads_batch = C.int32_t(p.Threads)
	ctx := C.llama_new_context_with_model(model, cp)
	if ctx == nil {
		C.llama_free_model(model)
		return nil, errors.New("llama_new_context_with_model: returned null")
	}
	batch := p.Batch
	if batch <= 0 {
		batch = 512
	}
	return &llamaModel{
		model: model,
		ctx:   ctx,
		batch: batch,
		vocab: int(C.llama_n_vocab(model)),
	}, nil
}

// llamaModel owns a llama_model and its llama_context.
type llamaModel struct {
	model  *C.struct_llama_model
	ctx    *C.struct_llama_context
	batch  int
	vocab  int
	logits []float32
}

func (m *llamaModel) Tokenize(text string, addBOS bool) ([]Token, error) {
	if m.model == nil {
		return nil, errors.New("llama model freed")
	}
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	buf := make([]Token, len(text)+4)
	for {
		n := C.llama_tokenize(m.model, ctext, C.int32_t(len(text)),
			(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)),
			C.bool(addBOS), C.bool(false))
		if n >= 0 {
			return buf[:int(n)], nil
		}
		// negative result is the required buffer size
		buf = make([]Token, int(-n))
	}
}

func (m *llamaModel) Evaluate(tokens []Token, pos int) error {
	if m.ctx == nil {
		return errors.New("llama context freed")
	}
	for start := 0; start < len(tokens); start += m.batch {
		end := start + m.batch
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]
		b := C.llama_batch_get_one((*C.llama_token)(unsafe.Pointer(&chunk[0])),
			C.int32_t(len(chunk)), C.llama_pos(pos+start), 0)
		if rc := int(C.llama_decode(m.ctx, b)); rc != 0 {
			// rc == 1: no KV slot for the batch; the context is intact.
			return &EvalError{Pos: pos + start, Code: rc, Corrupt: rc < 0}
		}
	}
	return nil
}

func (m *llamaModel) Logits() ([]float32, error) {
	p := C.llama_get_logits_ith(m.ctx, -1)
	if p == nil {
		return nil, errors.New("llama_get_logits_ith: no logits for last position")
	}
	if cap(m.logits) < m.vocab {
		m.logits = make([]float32, m.vocab)
	}
	m.logits = m.logits[:m.vocab]
	copy(m.logits, unsafe.Slice((*float32)(unsafe.Pointer(p)), m.vocab))
	return m.logits, nil
}

func (m *llamaModel) TokenToText(tok Token) (string, error) {
	buf := make([]byte, 256)
	for {
		n := C.llama_token_to_piece(m.model, C.llama_token(tok),
			(*C.char)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)), 0, C.bool(false))
		if n >= 0 {
			return string(buf[:int(n)]), nil
		}
		buf = make([]byte, int(-n))
	}
}

func (m *llamaModel) Reset() error {
	C.llama_kv_cache_clear(m.ctx)
	return nil
}

func (m *llamaModel) EOS() Token { return Token(C.llama_token_eos(m.model)) }

func (m *llamaModel) VocabSize() int { return m.vocab }

func (m *llamaModel) Free() error {
	if m.ctx != nil {
		C.llama_free(m.ctx)
		m.ctx = nil
	}
	if m.model != nil {
		C.llama_free_model(m.model)
		m.model = nil
	}
	return nil
}
