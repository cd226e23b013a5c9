package root

import (
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/auth"
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/bootstrap"
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/plans"
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/subscriptions"
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/usage"
	"github.com/zenGate-Global/palmyra-entitlements/apps/cli/cmd/webhooks"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(plans.Command())
	Root().AddCommand(subscriptions.Command())
	Root().AddCommand(usage.Command())
	Root().AddCommand(webhooks.Command())
}
