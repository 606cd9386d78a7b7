package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/agent"
)

func newDaemonCommand(version string) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Converge continuously on an interval",
		Long: `Run the agent as a long-lived daemon, converging on an interval.

The settings file is watched for changes; edits take effect on the next
run. When metrics are enabled the daemon serves a Prometheus endpoint.`,
		Example: `  # Converge every 30 minutes (the default)
  converge daemon

  # Converge every 5 minutes
  converge daemon --interval 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if interval > 0 {
				settings.RunInterval = interval
			}

			logger, metrics, tracer, store, err := bootstrap(settings, version)
			if err != nil {
				return err
			}
			defer func() {
				if store != nil {
					_ = store.Close()
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			daemon := agent.NewDaemon(settingsPath, settings, logger, metrics, tracer, store, version)
			if err := daemon.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "pause between runs (default from settings)")

	return cmd
}
