// Package commands wires the converge CLI: single-shot and daemon
// convergence, plus inspection commands for facts, reports, the catalog
// cache, and run history.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
	jsonOutput   bool
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0, nil
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code, exitErr.err
	}
	return 1, err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "OpenConverge - Fleet Node Convergence Agent",
		Long: `OpenConverge keeps a fleet node in its declared state. Each run fetches
a compiled catalog from a trusted server, validates it, builds the
resource dependency graph, and applies it as a single sequential
transaction.

Features:
  - Multi-server catalog retrieval with cached-catalog fallback
  - Server-directed environment negotiation
  - Policy validation of catalogs before anything is applied
  - Deferred parameter evaluation at apply time
  - Sensitive value redaction in reports and logs
  - Local run history and last-run reports`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newDaemonCommand(version))
	rootCmd.AddCommand(newFactsCommand(version))
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadSettings reads the settings file honoring the global flags.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		settings.Telemetry.Logging.Format = "json"
	}
	return settings, nil
}

// bootstrap builds the telemetry stack and run history store for a run.
func bootstrap(settings *config.Settings, version string) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer, stores.Store, error) {
	logger, err := telemetry.NewLogger(settings.Telemetry.Logging)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(settings.Telemetry.Metrics)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(settings.Telemetry.Tracing, settings.Telemetry.ServiceName, version, settings.Environment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	store, err := openStore(settings)
	if err != nil {
		logger.WithError(err).Warn("Run history unavailable")
		store = nil
	}

	return logger, metrics, tracer, store, nil
}

func openStore(settings *config.Settings) (stores.Store, error) {
	store, err := stores.NewSQLiteStore(settings.StorePath())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
