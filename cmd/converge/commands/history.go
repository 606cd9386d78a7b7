package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect local run history",
		Long: `List past convergence runs from the local history database, or show
the resource events of one run by ID.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Example: `  # The last 20 runs
  converge history list

  # The last 5 runs
  converge history list --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(settings)
			if err != nil {
				return fmt.Errorf("run history unavailable: %w", err)
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			for _, run := range runs {
				flags := ""
				if run.FromCache {
					flags += " [cached]"
				}
				if run.Noop {
					flags += " [noop]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-26s  env=%s%s  %s\n",
					run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Outcome,
					run.Environment,
					flags,
					run.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the resource events of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(settings)
			if err != nil {
				return fmt.Errorf("run history unavailable: %w", err)
			}
			defer func() { _ = store.Close() }()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.ListEvents(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(map[string]any{
					"run":    run,
					"events": events,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s  outcome=%s  env=%s  started=%s\n",
				run.ID, run.Outcome, run.Environment,
				run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", run.Error)
			}
			for _, e := range events {
				msg := ""
				if e.Message != "" {
					msg = "  " + e.Message
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-9s %-8s %s%s\n", e.Status, e.Action, e.Resource, msg)
			}
			return nil
		},
	}
}
