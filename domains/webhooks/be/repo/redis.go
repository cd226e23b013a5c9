package repo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
)

// RedisDedupStore keeps one key per processed event and lets Redis expire it.
type RedisDedupStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDedupStore constructs a store; prefix defaults to "entitlements:dedup:".
func NewRedisDedupStore(client redis.UniversalClient, prefix string) *RedisDedupStore {
	if client == nil {
		panic("redis client is required")
	}
	if prefix == "" {
		prefix = "entitlements:dedup:"
	}
	return &RedisDedupStore{client: client, prefix: prefix}
}

func (s *RedisDedupStore) key(ref, eventID string) string {
	return s.prefix + ref + ":" + eventID
}

func (s *RedisDedupStore) Seen(ctx context.Context, ref, eventID string, _ time.Time) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(ref, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Record(ctx context.Context, m service.Marker) (bool, error) {
	ttl := m.ExpiresAt.Sub(m.ProcessedAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.SetNX(ctx, s.key(m.SubscriptionRef, m.EventID), m.TenantID+"|"+string(m.Outcome), ttl).Result()
}

// Prune is a no-op: keys carry their own TTL.
func (s *RedisDedupStore) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}
