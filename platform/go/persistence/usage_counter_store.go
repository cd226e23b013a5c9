package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageCountersTable is resolved through the pool's search_path.
const UsageCountersTable = "usage_counters"

const usageCounterColumns = `tenant_id, metric, value, period_start, period_end, version, updated_at`

// UsageCounterRecord mirrors one row of the usage_counters table.
type UsageCounterRecord struct {
	TenantID    string     `db:"tenant_id"`
	Metric      string     `db:"metric"`
	Value       int64      `db:"value"`
	PeriodStart *time.Time `db:"period_start"`
	PeriodEnd   *time.Time `db:"period_end"`
	Version     int64      `db:"version"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// UsageCounterStore provides versioned access to usage counters.
type UsageCounterStore struct {
	pool *pgxpool.Pool
}

// NewUsageCounterStore creates a store; assumes ApplySchema already ran.
func NewUsageCounterStore(pool *pgxpool.Pool) (*UsageCounterStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &UsageCounterStore{pool: pool}, nil
}

// Get fetches one counter.
func (s *UsageCounterStore) Get(ctx context.Context, tenantID, metric string) (UsageCounterRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND metric = $2`, usageCounterColumns, UsageCountersTable)
	return scanUsageCounterRecord(s.pool.QueryRow(ctx, query, tenantID, metric))
}

// Insert creates a counter at version 1; a concurrent creator wins with ErrVersionConflict.
func (s *UsageCounterStore) Insert(ctx context.Context, rec UsageCounterRecord) (UsageCounterRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (tenant_id, metric, value, period_start, period_end, version, updated_at)
        VALUES ($1,$2,$3,$4,$5,1,$6)
        ON CONFLICT (tenant_id, metric) DO NOTHING
        RETURNING %s
    `, UsageCountersTable, usageCounterColumns)

	out, err := scanUsageCounterRecord(s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.Metric, rec.Value, rec.PeriodStart, rec.PeriodEnd, rec.UpdatedAt,
	))
	if errors.Is(err, ErrNotFound) {
		return UsageCounterRecord{}, ErrVersionConflict
	}
	return out, err
}

// UpdateIfVersion writes value and period when the stored version equals expectedVersion.
func (s *UsageCounterStore) UpdateIfVersion(ctx context.Context, expectedVersion int64, rec UsageCounterRecord) (UsageCounterRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            value = $4,
            period_start = $5,
            period_end = $6,
            version = version + 1,
            updated_at = $7
        WHERE tenant_id = $1 AND metric = $2 AND version = $3
        RETURNING %s
    `, UsageCountersTable, usageCounterColumns)

	out, err := scanUsageCounterRecord(s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.Metric, expectedVersion, rec.Value, rec.PeriodStart, rec.PeriodEnd, rec.UpdatedAt,
	))
	if !errors.Is(err, ErrNotFound) {
		return out, err
	}

	var exists bool
	check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = $1 AND metric = $2)`, UsageCountersTable)
	if err := s.pool.QueryRow(ctx, check, rec.TenantID, rec.Metric).Scan(&exists); err != nil {
		return UsageCounterRecord{}, err
	}
	if exists {
		return UsageCounterRecord{}, ErrVersionConflict
	}
	return UsageCounterRecord{}, ErrNotFound
}

// ListByTenant returns every counter of a tenant ordered by metric.
func (s *UsageCounterStore) ListByTenant(ctx context.Context, tenantID string) ([]UsageCounterRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY metric`, usageCounterColumns, UsageCountersTable)

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageCounterRecord
	for rows.Next() {
		rec, err := scanUsageCounterRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanUsageCounterRecord(row pgx.Row) (UsageCounterRecord, error) {
	var rec UsageCounterRecord
	if err := row.Scan(&rec.TenantID, &rec.Metric, &rec.Value, &rec.PeriodStart, &rec.PeriodEnd, &rec.Version, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageCounterRecord{}, ErrNotFound
		}
		return UsageCounterRecord{}, err
	}
	return rec, nil
}
