package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/cache"
	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/edge"
	"inferd/internal/fetch"
	"inferd/internal/processor"
	"inferd/internal/registry"
	"inferd/internal/sink"
)

// app holds the wired components of one node.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	reg   *registry.Registry
	cache *cache.Cache
	proc  *processor.Processor
	coord *edge.Coordinator
	local edge.Device
	sink  *sink.RedisSink
	// withdraw undoes the Consul advertisement, when one was made.
	withdraw func()
}

// build wires registry, cache, coordinator and processor. The default model
// is loaded when cfg.Model is set.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger, loader backend.Loader) (*app, error) {
	a := &app{cfg: cfg, log: log}

	dir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	a.reg = registry.New(dir, fetch.New(cfg.Gateway, dir, log))
	if err := a.reg.Refresh(); err != nil {
		log.Warn().Str("event", "registry_scan_failed").Str("dir", dir).Err(err).Msg("models dir not scanned")
	}
	if !backend.Built() {
		log.Warn().Str("event", "backend_missing").Msg("built without llama.cpp; model loads will fail (rebuild with -tags=llama)")
	}

	a.cache = cache.New(cache.Options{
		Loader:        loader,
		Resolver:      a.reg,
		Config:        cfg.Inference,
		MaxLoaded:     cfg.Cache.MaxLoaded,
		MaxQueueDepth: cfg.Cache.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.Cache.MaxWaitMs) * time.Millisecond,
		Logger:        log,
	})
	pub := processor.LogPublisher{Logger: log}

	if cfg.Edge.Enabled {
		a.coord = a.newCoordinator(pub)
	}
	if cfg.Redis.Addr != "" {
		a.sink, err = sink.NewRedis(ctx, sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Channel:  cfg.Redis.Channel,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			a.cache.Close()
			return nil, err
		}
	}

	opts := processor.Options{
		Cache:       a.cache,
		Coordinator: a.coord,
		Config:      cfg.Inference,
		Publisher:   pub,
		Logger:      log,
	}
	if a.sink != nil {
		opts.Sink = a.sink
	}
	a.proc = processor.New(opts)

	if a.coord != nil {
		if err := a.coord.Register(a.local); err != nil {
			a.close()
			return nil, err
		}
	}
	if cfg.Model != "" {
		if err := a.proc.Initialize(ctx, cfg.Model, cfg.Inference); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) newCoordinator(pub processor.EventPublisher) *edge.Coordinator {
	cfg := a.cfg.Edge
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	coord := edge.New(edge.Options{
		Local:     a.localExecutor(),
		Remote:    edge.NewHTTPExecutor(sec(cfg.DispatchTimeoutSeconds)),
		Prober:    &edge.HTTPProber{Client: &http.Client{Timeout: 5 * time.Second}},
		Retryable: processor.Retryable,
		Notify: func(event, id string) {
			pub.Publish(processor.Event{Name: event, DeviceID: id})
		},
		HeartbeatTimeout: sec(cfg.HeartbeatTimeoutSeconds),
		MonitorInterval:  sec(cfg.MonitorIntervalSeconds),
		DeregisterAfter:  sec(cfg.DeregisterAfterSeconds),
		Logger:           a.log,
	})

	var models []string
	for _, m := range a.reg.List() {
		models = append(models, m.ID)
	}
	a.local = edge.Device{
		ID:           cfg.DeviceID,
		Address:      cfg.AdvertiseAddr,
		Capabilities: edge.LocalCapabilities(),
		Models:       models,
		Local:        true,
	}
	return coord
}

// advertiseHostPort derives the address announced to Consul from the
// advertise URL, falling back to the hostname and the listen port.
func advertiseHostPort(advertise, listen string) (string, int, error) {
	if advertise != "" {
		u, err := url.Parse(advertise)
		if err != nil || u.Host == "" {
			return "", 0, fmt.Errorf("invalid advertise address %q", advertise)
		}
		host, port := u.Hostname(), u.Port()
		if port == "" {
			port = "80"
			if u.Scheme == "https" {
				port = "443"
			}
		}
		n, err := strconv.Atoi(port)
		return host, n, err
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if host, err = os.Hostname(); err != nil {
			return "", 0, err
		}
	}
	n, err := strconv.Atoi(port)
	return host, n, err
}

func (a *app) close() {
	if a.withdraw != nil {
		a.withdraw()
	}
	if a.proc != nil {
		_ = a.proc.Shutdown(context.Background())
	}
	a.cache.Close()
	if a.sink != nil {
		_ = a.sink.Close()
	}
}
