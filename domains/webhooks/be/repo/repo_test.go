package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/persistence"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func marker(ref, id string, at time.Time, window time.Duration) service.Marker {
	return service.Marker{
		SubscriptionRef: ref,
		EventID:         id,
		TenantID:        "tenant-a",
		EventType:       "Subscribed",
		Outcome:         service.OutcomeApplied,
		ProcessedAt:     at,
		ExpiresAt:       at.Add(window),
	}
}

func newRedisDedup(t *testing.T) (*RedisDedupStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDedupStore(client, ""), mr
}

func TestDedupStoreContract(t *testing.T) {
	backends := map[string]func(t *testing.T) service.DedupStore{
		"memory": func(*testing.T) service.DedupStore { return NewMemoryDedupStore() },
		"redis": func(t *testing.T) service.DedupStore {
			s, _ := newRedisDedup(t)
			return s
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)

			seen, err := store.Seen(ctx, "sub-1", "evt-1", epoch)
			require.NoError(t, err)
			require.False(t, seen)

			inserted, err := store.Record(ctx, marker("sub-1", "evt-1", epoch, time.Hour))
			require.NoError(t, err)
			require.True(t, inserted)

			inserted, err = store.Record(ctx, marker("sub-1", "evt-1", epoch.Add(time.Minute), time.Hour))
			require.NoError(t, err)
			require.False(t, inserted, "second insert must not win")

			seen, err = store.Seen(ctx, "sub-1", "evt-1", epoch.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, seen)

			seen, err = store.Seen(ctx, "sub-2", "evt-1", epoch)
			require.NoError(t, err)
			require.False(t, seen, "event ids are scoped to their subscription reference")
		})
	}
}

func TestMemoryDedupExpiryAndPrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDedupStore()

	_, err := store.Record(ctx, marker("sub-1", "old", epoch, time.Hour))
	require.NoError(t, err)
	_, err = store.Record(ctx, marker("sub-1", "new", epoch.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	seen, err := store.Seen(ctx, "sub-1", "old", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, seen, "marker expires at the window boundary")

	inserted, err := store.Record(ctx, marker("sub-1", "old", epoch.Add(90*time.Minute), time.Hour))
	require.NoError(t, err)
	require.True(t, inserted, "an expired marker may be replaced")

	removed, err := store.Prune(ctx, epoch.Add(3*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)
}

func TestRedisDedupUsesKeyTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisDedup(t)

	_, err := store.Record(ctx, marker("sub-1", "evt-1", epoch, time.Hour))
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL("entitlements:dedup:sub-1:evt-1"))

	mr.FastForward(time.Hour + time.Second)

	seen, err := store.Seen(ctx, "sub-1", "evt-1", epoch)
	require.NoError(t, err)
	require.False(t, seen)

	removed, err := store.Prune(ctx, epoch)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestRedisDedupReportsConnectionErrors(t *testing.T) {
	store, mr := newRedisDedup(t)
	mr.Close()

	_, err := store.Seen(context.Background(), "sub-1", "evt-1", epoch)
	require.Error(t, err)
}

func TestMemoryDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadLetterStore()

	first, err := store.Put(ctx, service.DeadLetter{
		Source:          "marketplace",
		EventID:         "evt-1",
		SubscriptionRef: "sub-x",
		EventType:       "Suspended",
		Reason:          service.ReasonUnknownSubscription,
		Payload:         json.RawMessage(`{"id":"evt-1"}`),
		CreatedAt:       epoch,
		LastAttemptAt:   epoch,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, first.ID)
	require.Equal(t, 1, first.Attempts)

	again, err := store.Put(ctx, service.DeadLetter{
		Source:          "marketplace",
		EventID:         "evt-1",
		SubscriptionRef: "sub-x",
		Reason:          service.ReasonInvalidTransition,
		LastAttemptAt:   epoch.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
	require.Equal(t, service.ReasonInvalidTransition, again.Reason)

	_, err = store.Put(ctx, service.DeadLetter{EventID: "evt-2", SubscriptionRef: "sub-y", LastAttemptAt: epoch.Add(time.Hour)})
	require.NoError(t, err)

	items, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "evt-2", items[0].EventID, "newest attempt first")

	items, err = store.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "evt-1", items[0].EventID)

	items, err = store.List(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, items)

	require.NoError(t, store.Delete(ctx, first.ID))
	_, err = store.Get(ctx, first.ID)
	require.ErrorIs(t, err, service.ErrDeadLetterNotFound)
	require.ErrorIs(t, store.Delete(ctx, first.ID), service.ErrDeadLetterNotFound)
}

func TestPostgresDeadLetterConversion(t *testing.T) {
	id := uuid.New()
	dl := fromDeadLetterRecord(persistence.DeadLetterRecord{
		ID:       id,
		Source:   "stripe",
		EventID:  "evt_1",
		Reason:   "tenant-mismatch",
		Payload:  json.RawMessage(`{}`),
		Attempts: 3,
	})

	require.Equal(t, id, dl.ID)
	require.Equal(t, service.ReasonTenantMismatch, dl.Reason)
	require.Equal(t, 3, dl.Attempts)

	require.ErrorIs(t, mapDeadLetterError(persistence.ErrNotFound), service.ErrDeadLetterNotFound)
	boom := errors.New("boom")
	require.Equal(t, boom, mapDeadLetterError(boom))
	require.NoError(t, mapDeadLetterError(nil))
}

func TestPostgresConstructorsRequireStores(t *testing.T) {
	require.Panics(t, func() { NewPostgresDedupStore(nil) })
	require.Panics(t, func() { NewPostgresDeadLetterStore(nil) })
}
