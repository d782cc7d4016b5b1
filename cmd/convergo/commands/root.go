// Package commands implements the convergo CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergo/convergo/pkg/telemetry"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	jsonOutput    bool
	dbPath        string
	metricsListen string
	traceExporter string
	traceEndpoint string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convergo",
		Short: "Convergo - declarative host state reconciliation",
		Long: `Convergo converges a host toward the desired state declared in a
playbook: an ordered list of tasks, each handled by a probe/apply module.
Tasks whose state is already satisfied report ok without mutating
anything; tasks that change the host can notify handlers, which run once
at the end of the run.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return telemetry.SetupLogging(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: logFormat,
			})
		},
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output reports in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "run history database path")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP trace endpoint")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newCheckCommand(version))
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newWatchCommand(version))
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
