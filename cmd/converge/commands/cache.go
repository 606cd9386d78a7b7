package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/catalog"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the cached catalog",
	}

	cmd.AddCommand(newCacheShowCommand())
	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the cached catalog",
		Long: `Print the last known-good catalog. This is the catalog a run falls
back to when no server can produce a fresh one. Deferred parameter
markers appear unevaluated; they are only resolved at apply time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			cache := catalog.NewCache(settings.CachePath())
			cat, err := cache.Load()
			if err != nil {
				return fmt.Errorf("no cached catalog: %w", err)
			}
			data, err := cat.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the cached catalog",
		Long: `Delete the cached catalog. The next run must obtain a fresh catalog
from a server or fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			cache := catalog.NewCache(settings.CachePath())
			if !cache.Exists() {
				fmt.Fprintln(cmd.OutOrStdout(), "no cached catalog")
				return nil
			}
			if err := cache.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cached catalog removed")
			return nil
		},
	}
}
