package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/facts"
)

func newFactsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Print the facts sent with catalog requests",
		Long: `Collect and print the node facts the agent sends with every catalog
request. Facts describe this node so the server can parameterize the
compiled catalog: OS and kernel, CPU count, memory, and agent identity.`,
		Example: `  # Print facts as indented JSON
  converge facts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			collected := facts.Collect(version)
			data, err := json.MarshalIndent(collected, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode facts: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
