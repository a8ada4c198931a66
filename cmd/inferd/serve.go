package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inferd/internal/backend"
	"inferd/internal/edge"
	"inferd/internal/httpapi"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: "  inferd serve --model gemma-3-270m-it-qat-Q4_0.gguf\n" +
			"  inferd serve -c inferd.yaml --edge --device-id node-a --consul 127.0.0.1:8500",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, log, backend.NewLlamaLoader())
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

// serve runs the HTTP server and the edge background loops until ctx ends.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second)
	httpapi.SetDefaultLogLevel(httpapi.ParseLogLevel(cfg.HTTPLog))
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(&httpapi.Node{Processor: a.proc, Registry: a.reg, Coordinator: a.coord}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		a.log.Info().Str("event", "listening").Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn().Str("event", "shutdown_error").Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	if a.coord != nil {
		grp.Go(func() error {
			return ignoreCanceled(a.coord.Run(gctx))
		})
		if cfg.Edge.Consul.Addr != "" {
			src, err := edge.NewConsulSource(cfg.Edge.Consul.Addr, cfg.Edge.Consul.Service, a.local.ID, a.log)
			if err != nil {
				return err
			}
			a.advertise(src)
			grp.Go(func() error {
				return ignoreCanceled(src.Run(gctx, a.coord, time.Duration(cfg.Edge.Consul.SyncIntervalSec)*time.Second))
			})
		}
	}
	err := grp.Wait()
	a.log.Info().Str("event", "stopped").Msg("inferd stopped")
	return err
}

// advertise registers the local device with Consul and withdraws it when
// the process context ends.
func (a *app) advertise(src *edge.ConsulSource) {
	host, port, err := advertiseHostPort(a.cfg.Edge.AdvertiseAddr, a.cfg.Addr)
	if err != nil {
		a.log.Warn().Str("event", "consul_advertise_failed").Err(err).Msg("not advertising")
		return
	}
	dev, _ := a.coord.Device(a.local.ID)
	if err := src.Advertise(dev, host, port); err != nil {
		a.log.Warn().Str("event", "consul_advertise_failed").Err(err).Msg("not advertising")
		return
	}
	a.log.Info().Str("event", "consul_advertised").Str("host", host).Int("port", port).Msg("advertised to consul")
	a.withdraw = func() {
		if err := src.Withdraw(a.local.ID); err != nil {
			a.log.Warn().Str("event", "consul_withdraw_failed").Err(err).Msg("withdraw failed")
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
