package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
)

// casScript writes the counter hash only when its version matches ARGV[1].
// Returns the new version, -1 on conflict, -2 when an update targets a missing counter.
var casScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
local expected = tonumber(ARGV[1])
if current ~= expected then
    if current == 0 then
        return -2
    end
    return -1
end
local nextVersion = current + 1
redis.call("HSET", KEYS[1],
    "value", ARGV[2],
    "version", nextVersion,
    "period_start", ARGV[3],
    "period_end", ARGV[4],
    "updated_at", ARGV[5])
redis.call("SADD", KEYS[2], ARGV[6])
return nextVersion
`)

// RedisRepository stores each counter as a hash and indexes metrics per tenant in a set.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository constructs a RedisRepository; prefix defaults to "entitlements:usage:".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if client == nil {
		panic("redis client is required")
	}
	if prefix == "" {
		prefix = "entitlements:usage:"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) counterKey(tenantID string, metric catalog.Metric) string {
	return r.prefix + tenantID + ":" + string(metric)
}

func (r *RedisRepository) indexKey(tenantID string) string {
	return r.prefix + tenantID + ":metrics"
}

func (r *RedisRepository) Load(ctx context.Context, tenantID string, metric catalog.Metric) (service.Counter, error) {
	fields, err := r.client.HGetAll(ctx, r.counterKey(tenantID, metric)).Result()
	if err != nil {
		return service.Counter{}, err
	}
	if len(fields) == 0 {
		return service.Counter{}, service.ErrNotFound
	}
	return decodeCounter(tenantID, metric, fields)
}

func (r *RedisRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next service.Counter) (service.Counter, error) {
	keys := []string{r.counterKey(next.TenantID, next.Metric), r.indexKey(next.TenantID)}
	args := []any{
		expectedVersion,
		next.Value,
		formatTime(next.PeriodStart),
		formatTime(next.PeriodEnd),
		next.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(next.Metric),
	}

	version, err := casScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return service.Counter{}, err
	}
	switch {
	case version == -2 && expectedVersion > 0:
		return service.Counter{}, service.ErrNotFound
	case version < 0:
		return service.Counter{}, service.ErrVersionConflict
	}

	next.Version = version
	return next, nil
}

func (r *RedisRepository) List(ctx context.Context, tenantID string) ([]service.Counter, error) {
	metrics, err := r.client.SMembers(ctx, r.indexKey(tenantID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(metrics)

	out := make([]service.Counter, 0, len(metrics))
	for _, m := range metrics {
		c, err := r.Load(ctx, tenantID, catalog.Metric(m))
		if errors.Is(err, service.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCounter(tenantID string, metric catalog.Metric, fields map[string]string) (service.Counter, error) {
	value, err := strconv.ParseInt(fields["value"], 10, 64)
	if err != nil {
		return service.Counter{}, fmt.Errorf("decode usage value: %w", err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return service.Counter{}, fmt.Errorf("decode usage version: %w", err)
	}
	start, err := parseTime(fields["period_start"])
	if err != nil {
		return service.Counter{}, err
	}
	end, err := parseTime(fields["period_end"])
	if err != nil {
		return service.Counter{}, err
	}

	c := service.Counter{
		TenantID:    tenantID,
		Metric:      metric,
		Value:       value,
		PeriodStart: start,
		PeriodEnd:   end,
		Version:     version,
	}
	if updated, err := parseTime(fields["updated_at"]); err == nil && updated != nil {
		c.UpdatedAt = *updated
	}
	return c, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("decode usage timestamp: %w", err)
	}
	return &t, nil
}
