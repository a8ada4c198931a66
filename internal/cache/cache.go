// Package cache keeps loaded models and hands out reference-counted handles.
//
// Loads are lazy and happen at most once per model id at a time: concurrent
// acquirers of a model that is still loading wait for the same load and
// receive handles to the same engine. A model is never freed while a handle
// to it is held; evicting a referenced model is deferred until the last
// handle is released.
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"inferd/internal/backend"
	"inferd/internal/engine"
	"inferd/pkg/types"
)

// State is the lifecycle state of a cached model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// ErrNotLoaded is returned by Evict for ids with no cache entry.
var ErrNotLoaded = errors.New("cache: model not loaded")

// Resolver maps a model reference (id, path or content hash) to a model with
// a local path.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (types.Model, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (types.Model, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (types.Model, error) {
	return f(ctx, ref)
}

// PathResolver treats every reference as a file path.
var PathResolver = ResolverFunc(func(_ context.Context, ref string) (types.Model, error) {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return types.Model{}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return types.Model{}, err
	}
	return types.Model{ID: abs, Name: filepath.Base(abs), Path: abs}, nil
})

// Options configures a Cache.
type Options struct {
	Loader   backend.Loader
	Resolver Resolver
	// Config supplies load parameters when Acquire is used.
	Config types.InferenceConfig
	// MaxLoaded bounds resident models; idle ones are evicted least recently
	// used first to make room. Zero means unbounded.
	MaxLoaded     int
	MaxQueueDepth int
	MaxWait       time.Duration
	Logger        zerolog.Logger
}

type entry struct {
	model    types.Model
	eng      *engine.Engine
	refs     int
	pending  bool // eviction deferred until refs reaches zero
	detached bool // removed from the map; freed at refs zero
	freed    bool
	loadedAt time.Time
	lastUsed time.Time
}

type failure struct {
	model types.Model
	err   error
}

// Cache owns loaded models.
type Cache struct {
	opts  Options
	log   zerolog.Logger
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	loading map[string]types.Model
	failed  map[string]failure
	closed  bool
}

// New constructs a Cache.
func New(opts Options) *Cache {
	if opts.Resolver == nil {
		opts.Resolver = PathResolver
	}
	opts.Config = opts.Config.Normalize()
	return &Cache{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "cache").Logger(),
		entries: map[string]*entry{},
		loading: map[string]types.Model{},
		failed:  map[string]failure{},
	}
}

// Handle is a reference to a loaded model. Release it exactly once; extra
// calls are no-ops.
type Handle struct {
	c        *Cache
	e        *entry
	released atomic.Bool
}

// ID returns the resolved model id.
func (h *Handle) ID() string { return h.e.model.ID }

// Model returns the resolved model descriptor.
func (h *Handle) Model() types.Model { return h.e.model }

// Engine returns the engine bound to the model.
func (h *Handle) Engine() *engine.Engine { return h.e.eng }

// State reports whether the handle still refers to the cache's current entry.
func (h *Handle) State() State {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.e.detached || h.e.freed {
		return StateUnloaded
	}
	return StateReady
}

// Release drops the reference.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.c.release(h.e)
	}
}

// Acquire returns a handle for ref, loading the model with the cache's
// default parameters when it is not resident.
func (c *Cache) Acquire(ctx context.Context, ref string) (*Handle, error) {
	return c.AcquireConfig(ctx, ref, c.opts.Config)
}

// AcquireConfig is Acquire with explicit load parameters. cfg only matters
// when this call triggers the load.
func (c *Cache) AcquireConfig(ctx context.Context, ref string, cfg types.InferenceConfig) (*Handle, error) {
	model, err := c.opts.Resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[model.ID]; ok {
			e.refs++
			e.lastUsed = time.Now()
			c.mu.Unlock()
			handlesGauge.Inc()
			return &Handle{c: c, e: e}, nil
		}
		c.mu.Unlock()

		ch := c.group.DoChan(model.ID, func() (any, error) {
			return nil, c.load(model, cfg)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
	}
}

func (c *Cache) load(model types.Model, cfg types.InferenceConfig) error {
	c.mu.Lock()
	if _, ok := c.entries[model.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.loading[model.ID] = model
	victims := c.makeRoomLocked()
	c.mu.Unlock()
	for _, v := range victims {
		c.unload(v, "capacity")
	}

	cfg = cfg.Normalize()
	log := c.log.With().Str("model", model.ID).Logger()
	log.Info().Str("event", "model_load_start").Str("path", model.Path).Msg("loading model")
	start := time.Now()
	bm, err := c.opts.Loader.Load(model.Path, backend.LoadParams{
		Threads:   cfg.Threads,
		CtxSize:   cfg.CtxSize,
		Batch:     cfg.Batch,
		GPULayers: cfg.GPULayers,
		UseMMap:   cfg.UseMMap,
		UseMLock:  cfg.UseMLock,
	})

	c.mu.Lock()
	delete(c.loading, model.ID)
	if err != nil {
		c.failed[model.ID] = failure{model: model, err: err}
		c.mu.Unlock()
		loadFailuresTotal.Inc()
		log.Error().Str("event", "model_load_failed").Err(err).Msg("model load failed")
		return &ModelLoadError{ModelID: model.ID, Path: model.Path, Err: err}
	}
	delete(c.failed, model.ID)
	if c.closed {
		c.mu.Unlock()
		_ = bm.Free()
		return ErrClosed
	}
	now := time.Now()
	c.entries[model.ID] = &entry{
		model: model,
		eng: engine.New(bm, engine.Options{
			ModelID:       model.ID,
			CtxSize:       cfg.CtxSize,
			MaxQueueDepth: c.opts.MaxQueueDepth,
			MaxWait:       c.opts.MaxWait,
			Logger:        c.opts.Logger,
		}),
		loadedAt: now,
		lastUsed: now,
	}
	c.mu.Unlock()
	loadsTotal.Inc()
	log.Info().Str("event", "model_loaded").Dur("elapsed", time.Since(start)).Msg("model loaded")
	return nil
}

// makeRoomLocked removes idle entries, least recently used first, until
// resident models plus loads in progress (the caller's included) fit
// MaxLoaded. Referenced entries are never chosen.
func (c *Cache) makeRoomLocked() []*entry {
	if c.opts.MaxLoaded <= 0 {
		return nil
	}
	var victims []*entry
	for len(c.entries)+len(c.loading) > c.opts.MaxLoaded {
		var lru *entry
		for _, e := range c.entries {
			if e.refs > 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lru = e
			}
		}
		if lru == nil {
			break
		}
		delete(c.entries, lru.model.ID)
		lru.detached = true
		lru.freed = true
		victims = append(victims, lru)
	}
	return victims
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	free := e.refs == 0 && (e.pending || e.detached) && !e.freed
	if free {
		if !e.detached {
			delete(c.entries, e.model.ID)
			e.detached = true
		}
		e.freed = true
	}
	c.mu.Unlock()
	handlesGauge.Dec()
	if free {
		c.unload(e, "released")
	}
}

// Evict unloads id. When handles are outstanding the unload is deferred
// until the last one is released; the entry keeps serving acquirers until
// then.
func (c *Cache) Evict(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	if e.refs > 0 {
		e.pending = true
		c.mu.Unlock()
		c.log.Info().Str("event", "model_evict_deferred").Str("model", id).Int("refs", e.refs).Msg("eviction deferred")
		return nil
	}
	delete(c.entries, id)
	e.detached = true
	e.freed = true
	c.mu.Unlock()
	c.unload(e, "evicted")
	return nil
}

// Invalidate detaches id so the next acquire reloads it. Outstanding handles
// keep the old engine until they are released, at which point it is freed.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	e.detached = true
	free := e.refs == 0
	if free {
		e.freed = true
	}
	c.mu.Unlock()
	c.log.Warn().Str("event", "model_invalidated").Str("model", id).Msg("model context invalidated")
	if free {
		c.unload(e, "invalidated")
	}
}

// Clear evicts every entry, deferring referenced ones.
func (c *Cache) Clear() {
	c.mu.Lock()
	var victims []*entry
	for id, e := range c.entries {
		if e.refs > 0 {
			e.pending = true
			continue
		}
		delete(c.entries, id)
		e.detached = true
		e.freed = true
		victims = append(victims, e)
	}
	c.mu.Unlock()
	for _, e := range victims {
		c.unload(e, "cleared")
	}
}

// Close clears the cache and rejects further acquires.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Clear()
}

func (c *Cache) unload(e *entry, reason string) {
	if err := e.eng.Close(); err != nil {
		c.log.Error().Str("event", "model_free_failed").Str("model", e.model.ID).Err(err).Msg("free failed")
	}
	evictionsTotal.Inc()
	c.log.Info().Str("event", "model_unloaded").Str("model", e.model.ID).Str("reason", reason).Msg("model unloaded")
}

// Snapshot lists loading, ready and failed models sorted by id.
func (c *Cache) Snapshot() []types.ModelStatus {
	c.mu.Lock()
	out := make([]types.ModelStatus, 0, len(c.entries)+len(c.loading)+len(c.failed))
	for id, e := range c.entries {
		st := e.eng.Stats()
		last := e.lastUsed
		if st.LastUsed.After(last) {
			last = st.LastUsed
		}
		out = append(out, types.ModelStatus{
			ModelID:         id,
			Path:            e.model.Path,
			State:           string(StateReady),
			RefCount:        e.refs,
			QueueLen:        e.eng.QueueLen(),
			EngineState:     e.eng.State().String(),
			TotalRequests:   st.Requests,
			TotalTokens:     st.TotalTokens(),
			AvgLatencyMs:    st.AvgLatencyMs,
			EvictionPending: e.pending,
			LastUsedUnix:    last.Unix(),
		})
	}
	for id, m := range c.loading {
		out = append(out, types.ModelStatus{ModelID: id, Path: m.Path, State: string(StateLoading)})
	}
	for id, f := range c.failed {
		if _, ok := c.loading[id]; ok {
			continue
		}
		out = append(out, types.ModelStatus{ModelID: id, Path: f.model.Path, State: string(StateFailed), Error: f.err.Error()})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Loaded reports whether id is resident.
func (c *Cache) Loaded(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}
