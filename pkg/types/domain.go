package types

// Model represents a discoverable or loadable GGUF model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: gemma-3-270m-it-qat-Q4_0.gguf
	ID string `json:"id" example:"gemma-3-270m-it-qat-Q4_0.gguf"`
	// Human-friendly name.
	// example: Gemma 3 270M (Q4_0)
	Name string `json:"name" example:"Gemma 3 270M (Q4_0)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/gemma-3-270m-it-qat-Q4_0.gguf
	Path string `json:"path" example:"/home/user/models/gemma-3-270m-it-qat-Q4_0.gguf"`
	// Content hash (IPFS CID) the model was fetched from, if any.
	// example: QmXT2xkFnG7FP7NTfmDfDFcQLSfCJ3xfPnjCg76gFnq1Hr
	Hash string `json:"hash,omitempty" example:"QmXT2xkFnG7FP7NTfmDfDFcQLSfCJ3xfPnjCg76gFnq1Hr"`
	// Size of the model file in bytes.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// Sampler names accepted in InferenceConfig.Sampler.
const (
	SamplerGreedy     = "greedy"
	SamplerStochastic = "stochastic"
)

// InferenceConfig is an immutable snapshot of generation and load settings.
// It is passed by value; With returns a modified copy so concurrent requests
// carrying different overrides never observe each other's settings.
type InferenceConfig struct {
	Threads       int     `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	CtxSize       int     `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	Batch         int     `json:"n_batch" yaml:"n_batch" toml:"n_batch"`
	GPULayers     int     `json:"n_gpu_layers" yaml:"n_gpu_layers" toml:"n_gpu_layers"`
	NPredict      int     `json:"n_predict" yaml:"n_predict" toml:"n_predict"`
	Temperature   float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	RepeatPenalty float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	UseMMap       bool    `json:"use_mmap" yaml:"use_mmap" toml:"use_mmap"`
	UseMLock      bool    `json:"use_mlock" yaml:"use_mlock" toml:"use_mlock"`
	// Sampler selects the sampling policy: "greedy" (default) or "stochastic".
	Sampler string `json:"sampler" yaml:"sampler" toml:"sampler"`
	Seed    int64  `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultInferenceConfig returns the settings used when nothing is configured.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		Threads:       4,
		CtxSize:       4096,
		Batch:         512,
		GPULayers:     35,
		NPredict:      256,
		Temperature:   0.8,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		UseMMap:       true,
		UseMLock:      false,
		Sampler:       SamplerGreedy,
	}
}

// ConfigOverrides carries optional per-request changes to an InferenceConfig.
// Nil fields keep the base value.
type ConfigOverrides struct {
	Threads       *int     `json:"n_threads,omitempty"`
	CtxSize       *int     `json:"n_ctx,omitempty"`
	Batch         *int     `json:"n_batch,omitempty"`
	NPredict      *int     `json:"n_predict,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	Sampler       *string  `json:"sampler,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
}

// With returns a copy of c with the non-nil overrides applied.
func (c InferenceConfig) With(o *ConfigOverrides) InferenceConfig {
	if o == nil {
		return c
	}
	if o.Threads != nil {
		c.Threads = *o.Threads
	}
	if o.CtxSize != nil {
		c.CtxSize = *o.CtxSize
	}
	if o.Batch != nil {
		c.Batch = *o.Batch
	}
	if o.NPredict != nil {
		c.NPredict = *o.NPredict
	}
	if o.Temperature != nil {
		c.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		c.TopP = *o.TopP
	}
	if o.TopK != nil {
		c.TopK = *o.TopK
	}
	if o.RepeatPenalty != nil {
		c.RepeatPenalty = *o.RepeatPenalty
	}
	if o.Sampler != nil {
		c.Sampler = *o.Sampler
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	return c
}

// Normalize fills zero fields from DefaultInferenceConfig. Boolean flags are
// left as set.
func (c InferenceConfig) Normalize() InferenceConfig {
	d := DefaultInferenceConfig()
	if c.Threads <= 0 {
		c.Threads = d.Threads
	}
	if c.CtxSize <= 0 {
		c.CtxSize = d.CtxSize
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.GPULayers < 0 {
		c.GPULayers = 0
	}
	if c.NPredict <= 0 {
		c.NPredict = d.NPredict
	}
	if c.TopK < 0 {
		c.TopK = 0
	}
	if c.Sampler == "" {
		c.Sampler = d.Sampler
	}
	return c
}

// Overrides returns c's generation settings as overrides, for forwarding a
// resolved configuration to a peer.
func (c InferenceConfig) Overrides() *ConfigOverrides {
	return &ConfigOverrides{
		NPredict:      &c.NPredict,
		Temperature:   &c.Temperature,
		TopP:          &c.TopP,
		TopK:          &c.TopK,
		RepeatPenalty: &c.RepeatPenalty,
		Sampler:       &c.Sampler,
		Seed:          &c.Seed,
	}
}
