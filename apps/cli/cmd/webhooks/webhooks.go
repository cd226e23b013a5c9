package webhooks

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/cmdutil"
	webhooksrepo "github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/repo"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// Command groups webhook maintenance helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Webhook ingestion maintenance",
	}

	cmd.AddCommand(pruneCommand())
	return cmd
}

func pruneCommand() *cobra.Command {
	var (
		db    cmdutil.DatabaseFlags
		grace time.Duration
	)

	c := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired dedup markers from postgres",
		Long:  "Delete processed-event markers whose dedup window ended before now minus --grace. Redis markers expire on their own.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := db.Open(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			store, err := persistence.NewProcessedEventStore(pool)
			if err != nil {
				return fmt.Errorf("init processed event store: %w", err)
			}

			cutoff := time.Now().UTC().Add(-grace)
			removed, err := webhooksrepo.NewPostgresDedupStore(store).Prune(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d markers expired before %s\n", removed, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	db.Bind(c)
	c.Flags().DurationVar(&grace, "grace", 0, "keep markers that expired within this duration")
	return c
}
