package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the entitlements operator CLI. Subcommands are attached in wire.go.
var rootCmd = &cobra.Command{
	Use:           "entitlements",
	Short:         "Palmyra entitlements operator CLI",
	Long:          "Operator utilities for the entitlement engine (schema bootstrap, dev tokens, plan catalog, subscriptions, usage counters, webhook dedup).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
