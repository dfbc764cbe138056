package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/stackaudit/stackaudit/internal/store"
)

var purgeForce bool

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Maintenance operations on the review store",
}

var adminReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild all secondary indexes from the version chains",
	Long: `Drop and rebuild the group, date, risk, and issue-signature indexes by
replaying every stored version in order. Use after restoring a database
from backup or if an index is suspected to be out of sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		if dryRun {
			ui.Info("Dry run: would rebuild all secondary indexes")
			return nil
		}
		if err := s.RebuildIndexes(context.Background()); err != nil {
			return err
		}
		ui.Success("Indexes rebuilt")
		return nil
	},
}

var adminPurgeCmd = &cobra.Command{
	Use:   "purge <review-id>",
	Short: "Delete a review's entire version chain and index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reviewID := args[0]
		if !purgeForce && !dryRun {
			ui.Warning("This permanently deletes every version of %s.", reviewID)
			ui.Info("Re-run with --force to confirm.")
			return nil
		}

		s, err := getStore()
		if err != nil {
			return err
		}
		if dryRun {
			ui.Info("Dry run: would purge review %s", reviewID)
			return nil
		}
		if err := s.DeleteReview(context.Background(), reviewID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				ui.Error("Review %s not found", reviewID)
				return err
			}
			return err
		}
		ui.Success("Purged review %s", reviewID)
		return nil
	},
}

func init() {
	adminPurgeCmd.Flags().BoolVar(&purgeForce, "force", false, "Skip confirmation")

	adminCmd.AddCommand(adminReindexCmd)
	adminCmd.AddCommand(adminPurgeCmd)
	rootCmd.AddCommand(adminCmd)
}
