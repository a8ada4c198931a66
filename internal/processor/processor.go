// Package processor turns submitted requests into response envelopes. It
// resolves the model through the cache, optionally routes the work through
// the edge coordinator, runs the engine and keeps global request counters.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/cache"
	"inferd/internal/edge"
	"inferd/internal/engine"
	"inferd/pkg/types"
)

// Sink receives every response envelope after the request finishes.
type Sink interface {
	Deliver(ctx context.Context, resp types.Response) error
}

// Options configures a Processor.
type Options struct {
	Cache *cache.Cache
	// Coordinator, when set, routes requests to the optimal device. The
	// processor's LocalExecutor must be installed as its local executor.
	Coordinator *edge.Coordinator
	// Config is the base configuration; Initialize replaces it.
	Config    types.InferenceConfig
	Publisher EventPublisher
	Sink      Sink
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Processor is safe for concurrent use.
type Processor struct {
	opts    Options
	log     zerolog.Logger
	pub     EventPublisher
	started time.Time

	state sync.RWMutex
	cfg   types.InferenceConfig
	pinID string
	model types.Model
	pin   *cache.Handle
	down  bool

	mu            sync.Mutex
	totalRequests int64
	totalTokens   int64
	avgMs         float64
}

// New constructs a Processor. Call Initialize before submitting requests
// that do not name a model.
func New(opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	pub := opts.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Processor{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "processor").Logger(),
		pub:     pub,
		started: opts.Now(),
		cfg:     opts.Config.Normalize(),
	}
}

// Initialize loads the default model (path, registry id or content hash)
// with cfg and keeps it resident until Shutdown.
func (p *Processor) Initialize(ctx context.Context, ref string, cfg types.InferenceConfig) error {
	cfg = cfg.Normalize()
	h, err := p.opts.Cache.AcquireConfig(ctx, ref, cfg)
	if err != nil {
		p.pub.Publish(Event{Name: "init_failed", ModelID: ref, Fields: map[string]any{"error": err.Error()}})
		p.log.Error().Str("event", "init_failed").Str("model", ref).Err(err).Msg("initialization failed")
		return &InitializationError{Ref: ref, Err: err}
	}

	p.state.Lock()
	if p.down {
		p.state.Unlock()
		h.Release()
		return &InitializationError{Ref: ref, Err: ErrShutdown}
	}
	old := p.pin
	p.pin, p.pinID, p.model, p.cfg = h, h.ID(), h.Model(), cfg
	p.state.Unlock()
	if old != nil {
		old.Release()
	}

	p.pub.Publish(Event{Name: "initialized", ModelID: h.ID(), Fields: map[string]any{"path": h.Model().Path}})
	p.log.Info().
		Str("event", "initialized").
		Str("model", h.ID()).
		Str("path", h.Model().Path).
		Int("n_ctx", cfg.CtxSize).
		Int("n_gpu_layers", cfg.GPULayers).
		Msg("processor initialized")
	return nil
}

// Config returns the base configuration.
func (p *Processor) Config() types.InferenceConfig {
	p.state.RLock()
	defer p.state.RUnlock()
	return p.cfg
}

// DefaultModel returns the initialized model and whether one is loaded.
func (p *Processor) DefaultModel() (types.Model, bool) {
	p.state.RLock()
	defer p.state.RUnlock()
	return p.model, p.pin != nil
}

// Submit runs req to completion. It never fails: errors are reported in the
// envelope.
func (p *Processor) Submit(ctx context.Context, req types.SubmitRequest) types.Response {
	resp, _ := p.Execute(ctx, req)
	return resp
}

// Execute is Submit that also returns the underlying error for callers that
// map it to a status code.
func (p *Processor) Execute(ctx context.Context, req types.SubmitRequest) (types.Response, error) {
	return p.execute(ctx, req, nil)
}

// outcome is the result of running a request on some device.
type outcome struct {
	modelID          string
	deviceID         string
	text             string
	promptTokens     int
	completionTokens int
	stop             string
	incomplete       bool
	inference        time.Duration
}

func (p *Processor) execute(ctx context.Context, req types.SubmitRequest, onToken engine.TokenFunc) (types.Response, error) {
	start := p.opts.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p.pub.Publish(Event{Name: "request_started", RequestID: req.ID, ModelID: req.Model})

	out, err := p.run(ctx, req, onToken)
	elapsed := p.opts.Now().Sub(start)
	p.record(out.promptTokens+out.completionTokens, elapsed)

	resp := types.Response{
		Success:          err == nil,
		RequestID:        req.ID,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Timestamp:        p.opts.Now().UnixMilli(),
		Model:            out.modelID,
		DeviceID:         out.deviceID,
		StopReason:       out.stop,
		Incomplete:       out.incomplete,
	}
	if out.promptTokens+out.completionTokens > 0 {
		resp.Usage = usage(out)
	}
	log := p.log.With().Str("request_id", req.ID).Logger()
	if err != nil {
		resp.Error = err.Error()
		resp.Partial = out.text
		p.pub.Publish(Event{Name: "request_failed", RequestID: req.ID, ModelID: out.modelID, DeviceID: out.deviceID,
			Fields: map[string]any{"error": resp.Error}})
		log.Warn().Str("event", "request_failed").Err(err).Dur("elapsed", elapsed).Msg("request failed")
	} else {
		resp.Response = out.text
		p.pub.Publish(Event{Name: "request_completed", RequestID: req.ID, ModelID: out.modelID, DeviceID: out.deviceID,
			Fields: map[string]any{"completion_tokens": out.completionTokens, "stop_reason": out.stop}})
		log.Info().
			Str("event", "request_completed").
			Str("model", out.modelID).
			Str("device", out.deviceID).
			Str("stop", out.stop).
			Int("completion_tokens", out.completionTokens).
			Dur("elapsed", elapsed).
			Msg("request completed")
	}
	if p.opts.Sink != nil {
		if serr := p.opts.Sink.Deliver(context.WithoutCancel(ctx), resp); serr != nil {
			log.Warn().Str("event", "sink_failed").Err(serr).Msg("response sink failed")
		}
	}
	return resp, err
}

func usage(o outcome) *types.Usage {
	u := &types.Usage{
		PromptTokens:     o.promptTokens,
		CompletionTokens: o.completionTokens,
		TotalTokens:      o.promptTokens + o.completionTokens,
		InferenceTimeMs:  float64(o.inference) / float64(time.Millisecond),
	}
	if o.inference > 0 {
		u.TokensPerSecond = float64(o.completionTokens) / o.inference.Seconds()
	}
	return u
}

// record updates the global counters. Every request counts, whatever its
// outcome.
func (p *Processor) record(tokens int, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	p.mu.Lock()
	p.totalRequests++
	p.totalTokens += int64(tokens)
	p.avgMs = p.avgMs*0.99 + ms*0.01
	p.mu.Unlock()
}

func (p *Processor) run(ctx context.Context, req types.SubmitRequest, onToken engine.TokenFunc) (outcome, error) {
	p.state.RLock()
	down, base, pinID := p.down, p.cfg, p.pinID
	p.state.RUnlock()
	if down {
		return outcome{}, ErrShutdown
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		return outcome{}, err
	}
	cfg := base.With(req.Config).Normalize()
	ref := req.Model
	if ref == "" {
		ref = pinID
	}
	if ref == "" {
		return outcome{}, ErrNotInitialized
	}

	if p.opts.Coordinator == nil || req.Local {
		return p.runLocal(ctx, ref, prompt, cfg, onToken)
	}
	res, err := p.opts.Coordinator.Distribute(withTokenFunc(ctx, onToken), ref, edge.Task{
		RequestID: req.ID,
		Prompt:    prompt,
		Messages:  req.Messages,
		Config:    cfg,
	})
	out := outcome{
		modelID:          ref,
		deviceID:         res.DeviceID,
		text:             res.Text,
		promptTokens:     res.PromptTokens,
		completionTokens: res.CompletionTokens,
		stop:             res.StopReason,
		incomplete:       res.Incomplete,
		inference:        res.Elapsed,
	}
	if err != nil && out.stop == "" {
		out.stop = string(engine.StopError)
	}
	return out, err
}

// runLocal executes on the co-located model. The handle is acquired for the
// duration of the request only. A model loaded here gets the base load
// parameters; cfg only shapes this generation.
func (p *Processor) runLocal(ctx context.Context, ref, prompt string, cfg types.InferenceConfig, onToken engine.TokenFunc) (outcome, error) {
	h, err := p.opts.Cache.AcquireConfig(ctx, ref, p.Config())
	if err != nil {
		return outcome{modelID: ref, stop: string(engine.StopError)}, err
	}
	defer h.Release()
	p.repin(ctx, h.ID())

	res, err := h.Engine().Complete(ctx, prompt, cfg, onToken)
	out := outcome{
		modelID:          h.ID(),
		text:             res.Text,
		promptTokens:     res.Usage.PromptTokens,
		completionTokens: res.Usage.CompletionTokens,
		stop:             string(res.Stop),
		incomplete:       res.Incomplete,
		inference:        res.Usage.Elapsed,
	}
	if engine.IsCorrupt(err) {
		p.invalidate(h.ID())
	}
	return out, err
}

// invalidate drops a model whose context is corrupt; the pinned reference
// is released so the next request reloads and re-pins it.
func (p *Processor) invalidate(id string) {
	p.opts.Cache.Invalidate(id)
	p.state.Lock()
	var old *cache.Handle
	if p.pin != nil && p.pinID == id {
		old, p.pin = p.pin, nil
	}
	p.state.Unlock()
	if old != nil {
		old.Release()
	}
	p.pub.Publish(Event{Name: "model_invalidated", ModelID: id})
	p.log.Warn().Str("event", "model_invalidated").Str("model", id).Msg("model context corrupted; reloading on next request")
}

// repin restores the pinned reference after an invalidation.
func (p *Processor) repin(ctx context.Context, id string) {
	p.state.RLock()
	need := !p.down && p.pin == nil && p.pinID == id
	cfg := p.cfg
	p.state.RUnlock()
	if !need {
		return
	}
	h, err := p.opts.Cache.AcquireConfig(ctx, id, cfg)
	if err != nil {
		return
	}
	p.state.Lock()
	if p.down || p.pin != nil || p.pinID != id {
		p.state.Unlock()
		h.Release()
		return
	}
	p.pin = h
	p.state.Unlock()
}

// LocalExecutor runs coordinator tasks assigned to the co-located device.
func (p *Processor) LocalExecutor() edge.Executor {
	return edge.ExecutorFunc(func(ctx context.Context, dev edge.Device, task edge.Task) (edge.TaskResult, error) {
		onToken := tokenFuncFrom(ctx)
		out, err := p.runLocal(ctx, task.ModelID, task.Prompt, task.Config, onToken)
		if err != nil && onToken != nil && out.completionTokens > 0 {
			err = &streamedError{err: err}
		}
		return edge.TaskResult{
			Text:             out.text,
			PromptTokens:     out.promptTokens,
			CompletionTokens: out.completionTokens,
			StopReason:       out.stop,
			Incomplete:       out.incomplete,
			Elapsed:          out.inference,
		}, err
	})
}

// Retryable reports whether a failed task may be re-routed to another
// device. Request-level failures are not, nor are failures after streamed
// output.
func Retryable(err error) bool {
	var se *streamedError
	switch {
	case errors.Is(err, ErrEmptyPrompt), engine.IsTokenization(err), errors.As(err, &se):
		return false
	}
	return edge.DefaultRetryable(err)
}

// Stats reports global counters together with cache and device status.
func (p *Processor) Stats() types.Stats {
	p.state.RLock()
	s := types.Stats{
		ModelLoaded: p.pin != nil,
		ModelPath:   p.model.Path,
		ModelHash:   p.model.Hash,
		Config:      p.cfg,
	}
	p.state.RUnlock()

	p.mu.Lock()
	s.TotalRequests = p.totalRequests
	s.TotalTokens = p.totalTokens
	s.AvgProcessingTimeMs = p.avgMs
	p.mu.Unlock()

	s.Models = p.opts.Cache.Snapshot()
	if p.opts.Coordinator != nil {
		s.Devices = p.opts.Coordinator.Devices()
	}
	s.UptimeSeconds = int64(p.opts.Now().Sub(p.started).Seconds())
	return s
}

// Shutdown releases the pinned model and rejects further requests.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.state.Lock()
	if p.down {
		p.state.Unlock()
		return nil
	}
	p.down = true
	old := p.pin
	p.pin = nil
	p.state.Unlock()
	if old != nil {
		old.Release()
	}
	p.pub.Publish(Event{Name: "shutdown"})
	p.log.Info().Str("event", "shutdown").Msg("processor shut down")
	return ctx.Err()
}

type tokenFuncKey struct{}

func withTokenFunc(ctx context.Context, fn engine.TokenFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, tokenFuncKey{}, fn)
}

func tokenFuncFrom(ctx context.Context) engine.TokenFunc {
	fn, _ := ctx.Value(tokenFuncKey{}).(engine.TokenFunc)
	return fn
}
