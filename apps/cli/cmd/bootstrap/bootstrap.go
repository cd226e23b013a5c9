package bootstrap

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/cmdutil"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// Command groups bootstrap helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap platform resources",
	}

	cmd.AddCommand(schemaCommand())
	return cmd
}

func schemaCommand() *cobra.Command {
	var db cmdutil.DatabaseFlags

	c := &cobra.Command{
		Use:   "schema",
		Short: "Create the entitlement schema and tables (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := db.Open(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			if err := persistence.ApplySchema(ctx, pool, db.Schema); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema %q is ready\n", db.Schema)
			return nil
		},
	}

	db.Bind(c)
	return c
}
