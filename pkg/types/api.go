package types

// Message is one chat turn.
type Message struct {
	// Role of the author: system, user or assistant.
	// example: user
	Role string `json:"role" example:"user"`
	// Text content of the turn.
	// example: What is a GGUF file?
	Content string `json:"content" example:"What is a GGUF file?"`
}

// SubmitRequest represents one inference request entering the processor.
type SubmitRequest struct {
	// Caller-supplied request id, unique per call. Generated when empty.
	// example: local_1
	ID string `json:"id" example:"local_1"`
	// Optional model identifier. If empty, the initialized model is used.
	Model string `json:"model,omitempty"`
	// Prompt text. Mutually exclusive with Messages.
	// example: Hello
	Prompt string `json:"prompt,omitempty" example:"Hello"`
	// Chat messages rendered into a prompt when Prompt is empty.
	Messages []Message `json:"messages,omitempty"`
	// Per-request configuration overrides.
	Config *ConfigOverrides `json:"config,omitempty"`
	// Local forces execution on this node even when edge distribution is enabled.
	Local bool `json:"local,omitempty"`
}

// Usage contains token accounting for one request.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	InferenceTimeMs  float64 `json:"inference_time_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// Response is the envelope returned for every submitted request. Exactly one
// of Response and Error is set; text produced before a failure goes to
// Partial.
type Response struct {
	// example: true
	Success bool `json:"success" example:"true"`
	// example: local_1
	RequestID string `json:"request_id" example:"local_1"`
	// Generated text.
	Response string `json:"response,omitempty"`
	// Error message when Success is false.
	Error string `json:"error,omitempty"`
	// Output generated before the failure, set only together with Error.
	Partial string `json:"partial,omitempty"`
	// Wall time spent on the request in milliseconds.
	// example: 412
	ProcessingTimeMs int64 `json:"processing_time_ms" example:"412"`
	// Unix epoch milliseconds at which the response was produced.
	// example: 1760000000000
	Timestamp int64 `json:"timestamp" example:"1760000000000"`
	// Model that served the request.
	Model string `json:"model,omitempty"`
	// Device that executed the request when edge distribution is enabled.
	DeviceID string `json:"device_id,omitempty"`
	// Why generation stopped: eos, max_tokens, cancelled or error.
	StopReason string `json:"stop_reason,omitempty"`
	// Incomplete is set when generation was cancelled or aborted mid-way.
	Incomplete bool   `json:"incomplete,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// StreamChunk is one NDJSON line emitted by the streaming endpoint.
type StreamChunk struct {
	Token      string `json:"token,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Content    string `json:"content,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelStatus summarizes one model cache entry.
type ModelStatus struct {
	ModelID  string `json:"model_id"`
	Path     string `json:"path"`
	State    string `json:"state"`
	RefCount int    `json:"ref_count"`
	// Number of requests waiting for the generation slot.
	QueueLen int `json:"queue_len"`
	// Generation engine state (idle, tokenizing, evaluating, sampling, emitting).
	EngineState     string  `json:"engine_state"`
	TotalRequests   int64   `json:"total_requests"`
	TotalTokens     int64   `json:"total_tokens"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	EvictionPending bool    `json:"eviction_pending,omitempty"`
	LastUsedUnix    int64   `json:"last_used_unix"`
	// Last load error, set when State is "failed".
	Error string `json:"error,omitempty"`
}

// DeviceStatus summarizes a registered edge device.
type DeviceStatus struct {
	DeviceID         string   `json:"device_id"`
	Address          string   `json:"address,omitempty"`
	Online           bool     `json:"online"`
	Local            bool     `json:"local,omitempty"`
	CPUCores         int      `json:"cpu_cores"`
	GPUCores         int      `json:"gpu_cores"`
	MemoryMB         int64    `json:"memory_mb"`
	VRAMMB           int64    `json:"vram_mb"`
	PerformanceScore float64  `json:"performance_score"`
	Inflight         int64    `json:"inflight"`
	Models           []string `json:"models,omitempty"`
	LastHeartbeat    int64    `json:"last_heartbeat_unix"`
}

// RegisterDeviceRequest is the body of POST /devices.
type RegisterDeviceRequest struct {
	DeviceID         string   `json:"device_id"`
	Address          string   `json:"address,omitempty"`
	CPUCores         int      `json:"cpu_cores"`
	GPUCores         int      `json:"gpu_cores"`
	MemoryMB         int64    `json:"memory_mb"`
	VRAMMB           int64    `json:"vram_mb"`
	PerformanceScore float64  `json:"performance_score,omitempty"`
	Models           []string `json:"models,omitempty"`
}

// Stats is returned by GET /stats.
type Stats struct {
	ModelLoaded         bool            `json:"model_loaded"`
	ModelPath           string          `json:"model_path"`
	ModelHash           string          `json:"model_hash,omitempty"`
	TotalRequests       int64           `json:"total_requests"`
	TotalTokens         int64           `json:"total_tokens"`
	AvgProcessingTimeMs float64         `json:"avg_processing_time_ms"`
	Config              InferenceConfig `json:"config"`
	Models              []ModelStatus   `json:"models"`
	Devices             []DeviceStatus  `json:"per_device_status"`
	UptimeSeconds       int64           `json:"uptime_seconds"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// example: 400
	Code int `json:"code" example:"400"`
}
