package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/agent"
)

func newRunCommand(version string) *cobra.Command {
	var (
		noop        bool
		environment string
		waitForLock bool
		maxWait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one convergence run",
		Long: `Perform a single convergence run: acquire the run lock, select a
server, fetch and validate the catalog, and apply it.

Exit codes:
  0  converged, no changes were needed
  2  converged, changes were applied
  1  run failed
  3  another run held the lock
  4  server certificate verification failed`,
		Example: `  # Converge once with the default settings file
  converge run

  # Simulate without changing the system
  converge run --noop

  # Request a specific environment
  converge run --environment staging

  # Wait up to two minutes for a concurrent run to finish
  converge run --wait-for-lock --max-wait-for-lock 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if noop {
				settings.Noop = true
			}
			if environment != "" {
				settings.Environment = environment
			}
			if waitForLock {
				settings.WaitForLock = true
			}
			if maxWait > 0 {
				settings.MaxWaitForLock = maxWait
			}

			logger, metrics, tracer, store, err := bootstrap(settings, version)
			if err != nil {
				return err
			}
			defer func() {
				if store != nil {
					_ = store.Close()
				}
				_ = tracer.Shutdown(cmd.Context())
			}()

			runner := agent.NewRunner(settings, logger, metrics, tracer, store, version)
			outcome, _, runErr := runner.Converge(cmd.Context())

			logger.Infof("Run finished: %s", outcome)
			if code := outcome.ExitCode(); code != 0 {
				return &exitCodeError{code: code, err: runErr}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noop, "noop", false, "evaluate without changing the system")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "catalog environment to request")
	cmd.Flags().BoolVar(&waitForLock, "wait-for-lock", false, "wait for a concurrent run to finish")
	cmd.Flags().DurationVar(&maxWait, "max-wait-for-lock", 0, "bound the lock wait (0 waits forever)")

	return cmd
}
