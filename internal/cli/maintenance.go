package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Purge conversations and maps past their retention horizon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		res, err := core.GDPR.PurgeExpired(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d conversations, %d maps\n", res.Conversations, res.Maps)
		return err
	},
}

var retryErasuresCmd = &cobra.Command{
	Use:   "retry-erasures",
	Short: "Retry GDPR erasures left partial by a backend failure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		pending, err := core.SQLite.PendingErasures(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pending erasures: %w", err)
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no pending erasures")
			return nil
		}

		completed, err := core.GDPR.RetryPendingErasures(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d pending erasures completed\n", completed, len(pending))
		return err
	},
}

func init() {
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(retryErasuresCmd)
}
