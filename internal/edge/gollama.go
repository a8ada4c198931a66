//go:build gollama

package edge

import (
	"context"
	"errors"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
)

// GoLlamaExecutor runs tasks in-process through go-llama.cpp. It keeps one
// model per id and serializes predictions on each.
//
// go-llama.cpp vendors its own llama.cpp, so this executor is built with
// -tags=gollama and never together with -tags=llama.
type GoLlamaExecutor struct {
	// Resolve maps a model id to a local file path.
	Resolve func(ctx context.Context, modelID string) (string, error)

	mu     sync.Mutex
	models map[string]*goLlamaModel
}

type goLlamaModel struct {
	mu sync.Mutex
	m  *llama.LLama
}

// NewGoLlamaExecutor returns an executor resolving model paths with resolve.
func NewGoLlamaExecutor(resolve func(ctx context.Context, modelID string) (string, error)) *GoLlamaExecutor {
	return &GoLlamaExecutor{Resolve: resolve, models: map[string]*goLlamaModel{}}
}

func (x *GoLlamaExecutor) model(ctx context.Context, task Task) (*goLlamaModel, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if m, ok := x.models[task.ModelID]; ok {
		return m, nil
	}
	if x.Resolve == nil {
		return nil, errNoResolver
	}
	path, err := x.Resolve(ctx, task.ModelID)
	if err != nil {
		return nil, err
	}
	m, err := llama.New(path,
		llama.SetContext(task.Config.CtxSize),
		llama.SetGPULayers(task.Config.GPULayers),
	)
	if err != nil {
		return nil, err
	}
	gm := &goLlamaModel{m: m}
	x.models[task.ModelID] = gm
	return gm, nil
}

func (x *GoLlamaExecutor) Execute(ctx context.Context, dev Device, task Task) (TaskResult, error) {
	gm, err := x.model(ctx, task)
	if err != nil {
		return TaskResult{}, err
	}
	gm.mu.Lock()
	defer gm.mu.Unlock()

	cfg := task.Config.Normalize()
	n := 0
	gm.m.SetTokenCallback(func(string) bool {
		if ctx.Err() != nil {
			return false
		}
		n++
		return true
	})
	opts := []llama.PredictOption{
		llama.SetTokens(cfg.NPredict),
		llama.SetThreads(cfg.Threads),
		llama.SetTopP(cfg.TopP),
		llama.SetTopK(cfg.TopK),
		llama.SetTemperature(cfg.Temperature),
		llama.SetPenalty(cfg.RepeatPenalty),
	}
	if cfg.Seed != 0 {
		opts = append(opts, llama.SetSeed(int(cfg.Seed)))
	}
	start := time.Now()
	text, err := gm.m.Predict(task.Prompt, opts...)
	res := TaskResult{Text: text, CompletionTokens: n, Elapsed: time.Since(start), StopReason: "eos"}
	switch {
	case ctx.Err() != nil:
		res.StopReason, res.Incomplete = "cancelled", true
		return res, nil
	case err != nil:
		return res, err
	case n >= cfg.NPredict:
		res.StopReason = "max_tokens"
	}
	return res, nil
}

// Close frees every loaded model.
func (x *GoLlamaExecutor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, m := range x.models {
		m.mu.Lock()
		m.m.Free()
		m.mu.Unlock()
		delete(x.models, id)
	}
	return nil
}

var _ Executor = (*GoLlamaExecutor)(nil)

var errNoResolver = errors.New("edge: go-llama executor has no resolver")
