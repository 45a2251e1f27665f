package commands

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"careleave/internal/app"
	"careleave/internal/platform/config"
	"careleave/internal/platform/logger"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "leavectl",
		Short:        "Operate the careleave leave workflow",
		Long:         `leavectl runs maintenance tasks against the same database, Redis and Kafka the careleave server uses.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewMigrateCmd(),
		NewScanOverdueCmd(),
		NewExportCmd(),
		NewTokenCmd(),
		NewBeneficiaryCmd(),
	)

	return cmd
}

func loadConfig() (config.Server, *slog.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Server{}, nil, err
	}
	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	return cfg, logger.New(cfg.Environment, level), nil
}

// loadApp wires the workflow for one command. Metrics go to a private
// registry since nothing scrapes a CLI run.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log, prometheus.NewRegistry())
}
