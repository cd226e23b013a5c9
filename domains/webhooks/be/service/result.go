package service

import (
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
)

// Outcome is the terminal state of one ingestion.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// RejectReason explains a Rejected outcome.
type RejectReason string

const (
	ReasonMalformed           RejectReason = "malformed"
	ReasonUnknownSubscription RejectReason = "unknown-subscription"
	ReasonTenantMismatch      RejectReason = "tenant-mismatch"
	ReasonInvalidTransition   RejectReason = "invalid-transition"
	ReasonRetryExhausted      RejectReason = "retry-exhausted"
)

// Retryable reports whether the provider should redeliver the event.
func (r RejectReason) Retryable() bool {
	return r == ReasonRetryExhausted
}

// DeadLetter reports whether the rejection is kept for operator attention.
func (r RejectReason) DeadLetter() bool {
	switch r {
	case ReasonUnknownSubscription, ReasonTenantMismatch, ReasonInvalidTransition:
		return true
	default:
		return false
	}
}

// Result describes what Ingest did with an event.
type Result struct {
	Outcome  Outcome
	Reason   RejectReason
	Detail   string
	TenantID string
	// Transition is set for Applied outcomes, including no-op guards.
	Transition *subsvc.Transition
	// DeadLetterID is set when the event was moved to the dead-letter store.
	DeadLetterID string
}

// Accepted reports whether the provider may consider the event delivered.
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeApplied || r.Outcome == OutcomeDuplicate
}
