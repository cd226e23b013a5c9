package repo

import (
	"context"
	"errors"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// PostgresRepository stores counters through persistence.UsageCounterStore.
type PostgresRepository struct {
	store *persistence.UsageCounterStore
}

// NewPostgresRepository constructs a repository backed by UsageCounterStore.
func NewPostgresRepository(store *persistence.UsageCounterStore) *PostgresRepository {
	if store == nil {
		panic("usage counter store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) Load(ctx context.Context, tenantID string, metric catalog.Metric) (service.Counter, error) {
	rec, err := r.store.Get(ctx, tenantID, string(metric))
	if err != nil {
		return service.Counter{}, mapError(err)
	}
	return fromRecord(rec), nil
}

func (r *PostgresRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next service.Counter) (service.Counter, error) {
	rec := persistence.UsageCounterRecord{
		TenantID:    next.TenantID,
		Metric:      string(next.Metric),
		Value:       next.Value,
		PeriodStart: next.PeriodStart,
		PeriodEnd:   next.PeriodEnd,
		UpdatedAt:   next.UpdatedAt,
	}

	var (
		out persistence.UsageCounterRecord
		err error
	)
	if expectedVersion == 0 {
		out, err = r.store.Insert(ctx, rec)
	} else {
		out, err = r.store.UpdateIfVersion(ctx, expectedVersion, rec)
	}
	if err != nil {
		return service.Counter{}, mapError(err)
	}
	return fromRecord(out), nil
}

func (r *PostgresRepository) List(ctx context.Context, tenantID string) ([]service.Counter, error) {
	rows, err := r.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]service.Counter, 0, len(rows))
	for _, rec := range rows {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func fromRecord(rec persistence.UsageCounterRecord) service.Counter {
	return service.Counter{
		TenantID:    rec.TenantID,
		Metric:      catalog.Metric(rec.Metric),
		Value:       rec.Value,
		PeriodStart: rec.PeriodStart,
		PeriodEnd:   rec.PeriodEnd,
		Version:     rec.Version,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrVersionConflict):
		return service.ErrVersionConflict
	default:
		return err
	}
}
