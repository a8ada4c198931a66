package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/repl"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "run [model]",
		Short: "Answer prompts typed on stdin, one per line",
		Long: "Loads a model and answers one prompt per input line. " +
			"Type quit or exit to stop. Without an argument the configured default model is used.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if len(args) == 1 {
				cfg.Model = args[0]
			}
			if cfg.Model == "" {
				return errors.New("no model: pass one as argument, with --model or in the config file")
			}
			cfg.Edge.Enabled = false
			if g.logLevel == "" {
				cfg.LogLevel = "warn"
			}
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

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model %s ready; type your prompts (quit to exit)\n", cfg.Model)
			n, err := repl.Run(ctx, a.proc, cmd.InOrStdin(), out, repl.Options{})
			fmt.Fprintf(out, "%d requests\n", n)
			return ignoreCanceled(err)
		},
	}
	f.register(cmd.Flags())
	return cmd
}
