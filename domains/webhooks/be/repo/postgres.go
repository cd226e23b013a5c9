package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

const defaultListLimit = 50

// PostgresDedupStore persists markers through persistence.ProcessedEventStore.
type PostgresDedupStore struct {
	store *persistence.ProcessedEventStore
}

func NewPostgresDedupStore(store *persistence.ProcessedEventStore) *PostgresDedupStore {
	if store == nil {
		panic("processed event store is required")
	}
	return &PostgresDedupStore{store: store}
}

func (s *PostgresDedupStore) Seen(ctx context.Context, ref, eventID string, now time.Time) (bool, error) {
	return s.store.Exists(ctx, ref, eventID, now)
}

func (s *PostgresDedupStore) Record(ctx context.Context, m service.Marker) (bool, error) {
	return s.store.InsertIfAbsent(ctx, persistence.ProcessedEventRecord{
		SubscriptionRef: m.SubscriptionRef,
		EventID:         m.EventID,
		TenantID:        m.TenantID,
		EventType:       m.EventType,
		Outcome:         string(m.Outcome),
		ProcessedAt:     m.ProcessedAt,
		ExpiresAt:       m.ExpiresAt,
	})
}

func (s *PostgresDedupStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.DeleteExpired(ctx, cutoff)
}

// PostgresDeadLetterStore persists dead letters through persistence.DeadLetterStore.
type PostgresDeadLetterStore struct {
	store *persistence.DeadLetterStore
}

func NewPostgresDeadLetterStore(store *persistence.DeadLetterStore) *PostgresDeadLetterStore {
	if store == nil {
		panic("dead letter store is required")
	}
	return &PostgresDeadLetterStore{store: store}
}

func (s *PostgresDeadLetterStore) Put(ctx context.Context, dl service.DeadLetter) (service.DeadLetter, error) {
	rec, err := s.store.Upsert(ctx, persistence.DeadLetterRecord{
		ID:              dl.ID,
		Source:          dl.Source,
		EventID:         dl.EventID,
		SubscriptionRef: dl.SubscriptionRef,
		EventType:       dl.EventType,
		Reason:          string(dl.Reason),
		Detail:          dl.Detail,
		Payload:         dl.Payload,
		CreatedAt:       dl.CreatedAt,
		LastAttemptAt:   dl.LastAttemptAt,
	})
	if err != nil {
		return service.DeadLetter{}, err
	}
	return fromDeadLetterRecord(rec), nil
}

func (s *PostgresDeadLetterStore) Get(ctx context.Context, id uuid.UUID) (service.DeadLetter, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return service.DeadLetter{}, mapDeadLetterError(err)
	}
	return fromDeadLetterRecord(rec), nil
}

func (s *PostgresDeadLetterStore) List(ctx context.Context, limit, offset int) ([]service.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	recs, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]service.DeadLetter, 0, len(recs))
	for _, rec := range recs {
		items = append(items, fromDeadLetterRecord(rec))
	}
	return items, nil
}

func (s *PostgresDeadLetterStore) Delete(ctx context.Context, id uuid.UUID) error {
	return mapDeadLetterError(s.store.Delete(ctx, id))
}

func fromDeadLetterRecord(rec persistence.DeadLetterRecord) service.DeadLetter {
	return service.DeadLetter{
		ID:              rec.ID,
		Source:          rec.Source,
		EventID:         rec.EventID,
		SubscriptionRef: rec.SubscriptionRef,
		EventType:       rec.EventType,
		Reason:          service.RejectReason(rec.Reason),
		Detail:          rec.Detail,
		Payload:         rec.Payload,
		Attempts:        rec.Attempts,
		CreatedAt:       rec.CreatedAt,
		LastAttemptAt:   rec.LastAttemptAt,
	}
}

func mapDeadLetterError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrDeadLetterNotFound
	}
	return err
}
