package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeadLettersTable is resolved through the pool's search_path.
const DeadLettersTable = "dead_letters"

const deadLetterColumns = `id, source, event_id, subscription_ref, event_type, reason, detail, payload,
        attempts, created_at, last_attempt_at`

// DeadLetterRecord is a rejected lifecycle event kept for operators.
type DeadLetterRecord struct {
	ID              uuid.UUID       `db:"id"`
	Source          string          `db:"source"`
	EventID         string          `db:"event_id"`
	SubscriptionRef string          `db:"subscription_ref"`
	EventType       string          `db:"event_type"`
	Reason          string          `db:"reason"`
	Detail          string          `db:"detail"`
	Payload         json.RawMessage `db:"payload"`
	Attempts        int             `db:"attempts"`
	CreatedAt       time.Time       `db:"created_at"`
	LastAttemptAt   time.Time       `db:"last_attempt_at"`
}

// DeadLetterStore persists rejected events.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a store; assumes ApplySchema already ran.
func NewDeadLetterStore(pool *pgxpool.Pool) (*DeadLetterStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &DeadLetterStore{pool: pool}, nil
}

// Upsert stores rec, or bumps the attempt counter when the same event was rejected before.
func (s *DeadLetterStore) Upsert(ctx context.Context, rec DeadLetterRecord) (DeadLetterRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := fmt.Sprintf(`
        INSERT INTO %s AS dl (id, source, event_id, subscription_ref, event_type, reason, detail, payload,
            attempts, created_at, last_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9,$9)
        ON CONFLICT (subscription_ref, event_id) DO UPDATE SET
            reason = EXCLUDED.reason,
            detail = EXCLUDED.detail,
            payload = EXCLUDED.payload,
            attempts = dl.attempts + 1,
            last_attempt_at = EXCLUDED.last_attempt_at
        RETURNING %s
    `, DeadLettersTable, deadLetterColumns)

	return scanDeadLetterRecord(s.pool.QueryRow(ctx, query,
		rec.ID, rec.Source, rec.EventID, rec.SubscriptionRef, rec.EventType, rec.Reason, rec.Detail,
		rec.Payload, rec.CreatedAt,
	))
}

// Get fetches one entry.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (DeadLetterRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deadLetterColumns, DeadLettersTable)
	return scanDeadLetterRecord(s.pool.QueryRow(ctx, query, id))
}

// List returns entries, newest attempt first.
func (s *DeadLetterStore) List(ctx context.Context, limit, offset int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY last_attempt_at DESC LIMIT $1 OFFSET $2`, deadLetterColumns, DeadLettersTable)

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetterRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes an entry after a successful replay.
func (s *DeadLetterStore) Delete(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, DeadLettersTable)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDeadLetterRecord(row pgx.Row) (DeadLetterRecord, error) {
	var rec DeadLetterRecord
	var payload []byte
	if err := row.Scan(&rec.ID, &rec.Source, &rec.EventID, &rec.SubscriptionRef, &rec.EventType, &rec.Reason,
		&rec.Detail, &payload, &rec.Attempts, &rec.CreatedAt, &rec.LastAttemptAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeadLetterRecord{}, ErrNotFound
		}
		return DeadLetterRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
