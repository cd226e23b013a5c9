package repo

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

func TestRecordConversionRoundTrip(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := newSub("tenant-a", "sub-a")
	sub.Status = service.StatusTrialing
	sub.TrialEndsAt = &end
	sub.Version = 4
	sub.CatalogVersion = "2025.1"

	got, err := toServiceSubscription(toRecord(sub))
	require.NoError(t, err)
	require.Equal(t, sub, got)
}

func TestRecordConversionRejectsUnknownValues(t *testing.T) {
	_, err := toServiceSubscription(persistence.SubscriptionRecord{TenantID: "t", PlanTier: "platinum", Status: "active"})
	require.Error(t, err)

	_, err = toServiceSubscription(persistence.SubscriptionRecord{TenantID: "t", PlanTier: "pro", Status: "paused"})
	require.Error(t, err)
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError(persistence.ErrNotFound), service.ErrNotFound)
	require.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", persistence.ErrVersionConflict)), service.ErrVersionConflict)
	require.ErrorIs(t, mapError(persistence.ErrDuplicate), service.ErrReferenceConflict)

	other := fmt.Errorf("dial tcp: refused")
	require.Equal(t, other, mapError(other))
}

func TestNewPostgresRepositoryPanicsWithoutStore(t *testing.T) {
	require.Panics(t, func() { NewPostgresRepository(nil) })
}
