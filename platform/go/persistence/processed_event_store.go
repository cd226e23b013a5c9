package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessedEventsTable is resolved through the pool's search_path.
const ProcessedEventsTable = "processed_events"

// ProcessedEventRecord marks a provider event as handled until ExpiresAt.
type ProcessedEventRecord struct {
	SubscriptionRef string    `db:"subscription_ref"`
	EventID         string    `db:"event_id"`
	TenantID        string    `db:"tenant_id"`
	EventType       string    `db:"event_type"`
	Outcome         string    `db:"outcome"`
	ProcessedAt     time.Time `db:"processed_at"`
	ExpiresAt       time.Time `db:"expires_at"`
}

// ProcessedEventStore backs the webhook dedup window.
type ProcessedEventStore struct {
	pool *pgxpool.Pool
}

// NewProcessedEventStore creates a store; assumes ApplySchema already ran.
func NewProcessedEventStore(pool *pgxpool.Pool) (*ProcessedEventStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProcessedEventStore{pool: pool}, nil
}

// Exists reports whether an unexpired marker exists for (ref, eventID) at now.
func (s *ProcessedEventStore) Exists(ctx context.Context, ref, eventID string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
        SELECT 1 FROM %s WHERE subscription_ref = $1 AND event_id = $2 AND expires_at > $3
    )`, ProcessedEventsTable)

	var exists bool
	if err := s.pool.QueryRow(ctx, query, ref, eventID, now).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertIfAbsent records the marker atomically. It returns false when an unexpired
// marker already exists; an expired marker is overwritten.
func (s *ProcessedEventStore) InsertIfAbsent(ctx context.Context, rec ProcessedEventRecord) (bool, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s AS pe (subscription_ref, event_id, tenant_id, event_type, outcome, processed_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (subscription_ref, event_id) DO UPDATE SET
            tenant_id = EXCLUDED.tenant_id,
            event_type = EXCLUDED.event_type,
            outcome = EXCLUDED.outcome,
            processed_at = EXCLUDED.processed_at,
            expires_at = EXCLUDED.expires_at
        WHERE pe.expires_at <= EXCLUDED.processed_at
        RETURNING event_id
    `, ProcessedEventsTable)

	var eventID string
	err := s.pool.QueryRow(ctx, query,
		rec.SubscriptionRef, rec.EventID, rec.TenantID, rec.EventType, rec.Outcome, rec.ProcessedAt, rec.ExpiresAt,
	).Scan(&eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteExpired removes markers whose window closed before cutoff.
func (s *ProcessedEventStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, ProcessedEventsTable)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
