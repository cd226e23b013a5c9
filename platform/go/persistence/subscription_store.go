package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionsTable is resolved through the pool's search_path.
const SubscriptionsTable = "subscriptions"

const subscriptionColumns = `tenant_id, plan_tier, status, quantity, trial_ends_at, grace_period_ends_at,
        external_ref, version, last_event_id, catalog_version, created_at, updated_at`

// SubscriptionRecord mirrors one row of the subscriptions table.
type SubscriptionRecord struct {
	TenantID          string     `db:"tenant_id"`
	PlanTier          string     `db:"plan_tier"`
	Status            string     `db:"status"`
	Quantity          int        `db:"quantity"`
	TrialEndsAt       *time.Time `db:"trial_ends_at"`
	GracePeriodEndsAt *time.Time `db:"grace_period_ends_at"`
	ExternalRef       string     `db:"external_ref"`
	Version           int64      `db:"version"`
	LastEventID       string     `db:"last_event_id"`
	CatalogVersion    string     `db:"catalog_version"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// SubscriptionStore provides versioned access to the subscriptions table.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a store; assumes ApplySchema already ran.
func NewSubscriptionStore(pool *pgxpool.Pool) (*SubscriptionStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &SubscriptionStore{pool: pool}, nil
}

// Get fetches the subscription of a tenant.
func (s *SubscriptionStore) Get(ctx context.Context, tenantID string) (SubscriptionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1`, subscriptionColumns, SubscriptionsTable)
	return scanSubscriptionRecord(s.pool.QueryRow(ctx, query, tenantID))
}

// GetByExternalRef fetches the subscription bound to a provider reference.
func (s *SubscriptionStore) GetByExternalRef(ctx context.Context, ref string) (SubscriptionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE external_ref = $1`, subscriptionColumns, SubscriptionsTable)
	return scanSubscriptionRecord(s.pool.QueryRow(ctx, query, ref))
}

// Insert creates the first version of a subscription. An existing row for the tenant
// yields ErrVersionConflict; a reference bound to another tenant yields ErrDuplicate.
func (s *SubscriptionStore) Insert(ctx context.Context, rec SubscriptionRecord) (SubscriptionRecord, error) {
	if rec.TenantID == "" {
		return SubscriptionRecord{}, errors.New("tenant id is required")
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (
            tenant_id, plan_tier, status, quantity, trial_ends_at, grace_period_ends_at,
            external_ref, version, last_event_id, catalog_version, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10,$11)
        ON CONFLICT (tenant_id) DO NOTHING
        RETURNING %s
    `, SubscriptionsTable, subscriptionColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.PlanTier, rec.Status, rec.Quantity, rec.TrialEndsAt, rec.GracePeriodEndsAt,
		rec.ExternalRef, rec.LastEventID, rec.CatalogVersion, rec.CreatedAt, rec.UpdatedAt,
	)

	out, err := scanSubscriptionRecord(row)
	switch {
	case errors.Is(err, ErrNotFound):
		return SubscriptionRecord{}, ErrVersionConflict
	case isUniqueViolation(err):
		return SubscriptionRecord{}, ErrDuplicate
	}
	return out, err
}

// UpdateIfVersion replaces the row only when its version equals expectedVersion and bumps
// the version by one. Status, tier, timestamps, version and last event commit together.
func (s *SubscriptionStore) UpdateIfVersion(ctx context.Context, expectedVersion int64, rec SubscriptionRecord) (SubscriptionRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            plan_tier = $3,
            status = $4,
            quantity = $5,
            trial_ends_at = $6,
            grace_period_ends_at = $7,
            external_ref = $8,
            version = version + 1,
            last_event_id = $9,
            catalog_version = $10,
            updated_at = $11
        WHERE tenant_id = $1 AND version = $2
        RETURNING %s
    `, SubscriptionsTable, subscriptionColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, expectedVersion, rec.PlanTier, rec.Status, rec.Quantity, rec.TrialEndsAt,
		rec.GracePeriodEndsAt, rec.ExternalRef, rec.LastEventID, rec.CatalogVersion, rec.UpdatedAt,
	)

	out, err := scanSubscriptionRecord(row)
	switch {
	case err == nil:
		return out, nil
	case isUniqueViolation(err):
		return SubscriptionRecord{}, ErrDuplicate
	case !errors.Is(err, ErrNotFound):
		return SubscriptionRecord{}, err
	}

	// Nothing updated: tell a stale version apart from a missing row.
	var exists bool
	check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = $1)`, SubscriptionsTable)
	if err := s.pool.QueryRow(ctx, check, rec.TenantID).Scan(&exists); err != nil {
		return SubscriptionRecord{}, err
	}
	if exists {
		return SubscriptionRecord{}, ErrVersionConflict
	}
	return SubscriptionRecord{}, ErrNotFound
}

// List returns subscriptions ordered by tenant, optionally filtered by stored status.
func (s *SubscriptionStore) List(ctx context.Context, status *string, limit, offset int) ([]SubscriptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE ($1::text IS NULL OR status = $1)
        ORDER BY tenant_id
        LIMIT $2 OFFSET $3`, subscriptionColumns, SubscriptionsTable)

	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscriptionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSubscriptionRecord(row pgx.Row) (SubscriptionRecord, error) {
	var rec SubscriptionRecord
	if err := row.Scan(
		&rec.TenantID, &rec.PlanTier, &rec.Status, &rec.Quantity, &rec.TrialEndsAt,
		&rec.GracePeriodEndsAt, &rec.ExternalRef, &rec.Version, &rec.LastEventID,
		&rec.CatalogVersion, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SubscriptionRecord{}, ErrNotFound
		}
		return SubscriptionRecord{}, err
	}
	return rec, nil
}
