package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
)

type counterKey struct {
	tenantID string
	metric   catalog.Metric
}

// MemoryRepository keeps counters in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	counters map[counterKey]service.Counter
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{counters: make(map[counterKey]service.Counter)}
}

func (r *MemoryRepository) Load(ctx context.Context, tenantID string, metric catalog.Metric) (service.Counter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.counters[counterKey{tenantID, metric}]
	if !ok {
		return service.Counter{}, service.ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next service.Counter) (service.Counter, error) {
	if err := ctx.Err(); err != nil {
		return service.Counter{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := counterKey{next.TenantID, next.Metric}
	cur, exists := r.counters[key]
	switch {
	case expectedVersion == 0 && exists:
		return service.Counter{}, service.ErrVersionConflict
	case expectedVersion > 0 && !exists:
		return service.Counter{}, service.ErrNotFound
	case exists && cur.Version != expectedVersion:
		return service.Counter{}, service.ErrVersionConflict
	}

	next.Version = expectedVersion + 1
	r.counters[key] = next
	return next, nil
}

func (r *MemoryRepository) List(ctx context.Context, tenantID string) ([]service.Counter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []service.Counter
	for key, c := range r.counters {
		if key.tenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}
