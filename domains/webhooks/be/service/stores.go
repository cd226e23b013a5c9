package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	// ErrUnavailable marks infrastructure failures; the provider should redeliver later.
	ErrUnavailable = errors.New("webhook ingestion unavailable")
)

// Marker records that an event was handled. It expires after the dedup window.
type Marker struct {
	SubscriptionRef string
	EventID         string
	TenantID        string
	EventType       string
	Outcome         Outcome
	ProcessedAt     time.Time
	ExpiresAt       time.Time
}

// DedupStore remembers processed (reference, event id) pairs.
type DedupStore interface {
	Seen(ctx context.Context, ref, eventID string, now time.Time) (bool, error)
	// Record inserts m unless an unexpired marker exists; it reports whether it inserted.
	Record(ctx context.Context, m Marker) (bool, error)
	// Prune drops markers expired before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetter is an event rejected for data-integrity reasons.
type DeadLetter struct {
	ID              uuid.UUID
	Source          string
	EventID         string
	SubscriptionRef string
	EventType       string
	Reason          RejectReason
	Detail          string
	Payload         json.RawMessage
	Attempts        int
	CreatedAt       time.Time
	LastAttemptAt   time.Time
}

// DeadLetterStore keeps rejected events for operators. Put on an existing
// (reference, event id) pair refreshes it and increments Attempts.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]DeadLetter, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// CacheInvalidator drops cached entitlement reads for a tenant.
type CacheInvalidator interface {
	Invalidate(tenantID string)
}
