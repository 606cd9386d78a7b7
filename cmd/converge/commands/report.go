package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/report"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the last run report",
		Long: `Print the report of the most recent convergence run.

The report lists one event per resource with its status, plus aggregate
metrics and the overall run status. Sensitive values are stored redacted
and never appear here.`,
		Example: `  # Full report as JSON
  converge report

  # Just the summary line
  converge report --summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			r, err := report.Load(settings.ReportPath())
			if err != nil {
				return fmt.Errorf("no run report available: %w", err)
			}

			summary, _ := cmd.Flags().GetBool("summary")
			if summary {
				fmt.Fprintf(cmd.OutOrStdout(),
					"%s  status=%s  changed=%d failed=%d skipped=%d unchanged=%d refreshed=%d  duration=%s\n",
					r.CompletedAt.Format("2006-01-02 15:04:05"),
					r.Status,
					r.Metrics.Changed, r.Metrics.Failed, r.Metrics.Skipped,
					r.Metrics.Unchanged, r.Metrics.Refreshed,
					r.Metrics.Duration.Round(time.Millisecond))
				return nil
			}

			data, err := json.MarshalIndent(r, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().Bool("summary", false, "print a one-line summary")

	return cmd
}
