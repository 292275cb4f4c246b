// Package cli holds the perf-analytics commands.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perf-analytics/internal/config"
	"perf-analytics/internal/logging"
)

var version = "1.0.0"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "perf-analytics",
		Short:   "Real-time performance analytics for frame-based applications",
		Version: version,
		Long: `perf-analytics ingests frame rate, CPU, memory and render latency samples,
recognizes patterns, detects anomalies, forecasts metrics and scores the
health of the system.

Serve the HTTP API:
  perf-analytics serve --config analytics.yaml

Replay a recorded session:
  perf-analytics replay session.jsonl --export report.json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().String("log-level", "", "override the configured log level")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the configuration named by --config and builds the
// logger it describes.
func loadConfig(cmd *cobra.Command) (config.Config, string, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, "", nil, err
	}
	return cfg, path, logger, nil
}
