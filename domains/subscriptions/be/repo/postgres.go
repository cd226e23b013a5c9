package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

// PostgresRepository stores subscriptions through persistence.SubscriptionStore.
type PostgresRepository struct {
	store *persistence.SubscriptionStore
}

// NewPostgresRepository constructs a repository backed by SubscriptionStore.
func NewPostgresRepository(store *persistence.SubscriptionStore) *PostgresRepository {
	if store == nil {
		panic("subscription store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID string) (service.Subscription, error) {
	rec, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return service.Subscription{}, mapError(err)
	}
	return toServiceSubscription(rec)
}

func (r *PostgresRepository) GetByReference(ctx context.Context, ref string) (service.Subscription, error) {
	rec, err := r.store.GetByExternalRef(ctx, ref)
	if err != nil {
		return service.Subscription{}, mapError(err)
	}
	return toServiceSubscription(rec)
}

func (r *PostgresRepository) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next service.Subscription) (service.Subscription, error) {
	rec := toRecord(next)
	rec.TenantID = tenantID

	var (
		out persistence.SubscriptionRecord
		err error
	)
	if expectedVersion == 0 {
		out, err = r.store.Insert(ctx, rec)
	} else {
		out, err = r.store.UpdateIfVersion(ctx, expectedVersion, rec)
	}
	if err != nil {
		return service.Subscription{}, mapError(err)
	}
	return toServiceSubscription(out)
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) ([]service.Subscription, error) {
	var status *string
	if opts.Status != nil {
		s := string(*opts.Status)
		status = &s
	}

	rows, err := r.store.List(ctx, status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	out := make([]service.Subscription, 0, len(rows))
	for _, rec := range rows {
		sub, err := toServiceSubscription(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrVersionConflict):
		return service.ErrVersionConflict
	case errors.Is(err, persistence.ErrDuplicate):
		return service.ErrReferenceConflict
	default:
		return err
	}
}

func toRecord(sub service.Subscription) persistence.SubscriptionRecord {
	return persistence.SubscriptionRecord{
		TenantID:          sub.TenantID,
		PlanTier:          string(sub.Tier),
		Status:            string(sub.Status),
		Quantity:          sub.Quantity,
		TrialEndsAt:       sub.TrialEndsAt,
		GracePeriodEndsAt: sub.GracePeriodEndsAt,
		ExternalRef:       sub.ExternalRef,
		Version:           sub.Version,
		LastEventID:       sub.LastEventID,
		CatalogVersion:    sub.CatalogVersion,
		CreatedAt:         sub.CreatedAt,
		UpdatedAt:         sub.UpdatedAt,
	}
}

func toServiceSubscription(rec persistence.SubscriptionRecord) (service.Subscription, error) {
	tier, err := catalog.ParseTier(rec.PlanTier)
	if err != nil {
		return service.Subscription{}, fmt.Errorf("subscription %s: %w", rec.TenantID, err)
	}
	status, err := service.ParseStatus(rec.Status)
	if err != nil {
		return service.Subscription{}, fmt.Errorf("subscription %s: %w", rec.TenantID, err)
	}

	return service.Subscription{
		TenantID:          rec.TenantID,
		Tier:              tier,
		Status:            status,
		Quantity:          rec.Quantity,
		TrialEndsAt:       rec.TrialEndsAt,
		GracePeriodEndsAt: rec.GracePeriodEndsAt,
		ExternalRef:       rec.ExternalRef,
		Version:           rec.Version,
		LastEventID:       rec.LastEventID,
		CatalogVersion:    rec.CatalogVersion,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}
