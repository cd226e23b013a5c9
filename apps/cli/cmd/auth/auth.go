package auth

import "github.com/spf13/cobra"

// Command groups authentication helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication utilities",
		Long:  "Authentication utilities for local development (unsigned tenant and admin tokens).",
	}

	cmd.AddCommand(devTokenCommand())

	return cmd
}
