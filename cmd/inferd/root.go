package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Single-GPU inference worker: staged JSON generation and local document extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", os.Getenv("INFERD_CONFIG"), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&rf.logFormat, "log-format", "", "Log format: json|console (overrides config)")

	root.AddCommand(newServeCmd(rf), newHealthCmd(), newContractsCmd(), newRunJobCmd(rf), newHashKeyCmd())
	return root
}

// load reads the config and applies the logging flags.
func (rf *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(rf.configPath)
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	if rf.logFormat != "" {
		cfg.Log.Format = rf.logFormat
	}
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "inferd").Logger()
}
