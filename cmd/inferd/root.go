package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Inference serving for GGUF models with edge distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults INFERD_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log output: console|json")

	root.AddCommand(newServeCmd(g), newRunCmd(g), newVersionCmd())
	return root
}

// load reads the config file, if any, and applies the global flags on top.
func (g *globalFlags) load() (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and backend availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			backendName := "none (build with -tags=llama)"
			if backend.Built() {
				backendName = "llama.cpp"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "inferd %s\nbackend: %s\n", version, backendName)
			return err
		},
	}
}
