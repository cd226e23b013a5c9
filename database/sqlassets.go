package sqlassets

import _ "embed"

//go:embed schema/entitlements/subscriptions.sql
var SubscriptionsSQL string

//go:embed schema/entitlements/usage_counters.sql
var UsageCountersSQL string

//go:embed schema/entitlements/processed_events.sql
var ProcessedEventsSQL string

//go:embed schema/entitlements/dead_letters.sql
var DeadLettersSQL string

// EntitlementsSchema lists the DDL files in apply order.
func EntitlementsSchema() []string {
	return []string{SubscriptionsSQL, UsageCountersSQL, ProcessedEventsSQL, DeadLettersSQL}
}
