package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
)

// MemoryRepository is an in-memory subscription store for tests and single-node development.
type MemoryRepository struct {
	mu       sync.RWMutex
	byTenant map[string]service.Subscription
	byRef    map[string]string
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byTenant: make(map[string]service.Subscription), byRef: make(map[string]string)}
}

func (r *MemoryRepository) Get(ctx context.Context, tenantID string) (service.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.byTenant[tenantID]
	if !ok {
		return service.Subscription{}, service.ErrNotFound
	}
	return clone(sub), nil
}

func (r *MemoryRepository) GetByReference(ctx context.Context, ref string) (service.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.byRef[ref]
	if !ok {
		return service.Subscription{}, service.ErrNotFound
	}
	return clone(r.byTenant[tenantID]), nil
}

func (r *MemoryRepository) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next service.Subscription) (service.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return service.Subscription{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.byTenant[tenantID]
	switch {
	case expectedVersion == 0 && exists:
		return service.Subscription{}, service.ErrVersionConflict
	case expectedVersion > 0 && !exists:
		return service.Subscription{}, service.ErrNotFound
	case exists && current.Version != expectedVersion:
		return service.Subscription{}, service.ErrVersionConflict
	}

	if owner, ok := r.byRef[next.ExternalRef]; ok && owner != tenantID {
		return service.Subscription{}, service.ErrReferenceConflict
	}

	saved := clone(next)
	saved.TenantID = tenantID
	saved.Version = expectedVersion + 1
	if !exists {
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = time.Now().UTC()
		}
	} else {
		saved.CreatedAt = current.CreatedAt
		if current.ExternalRef != saved.ExternalRef {
			delete(r.byRef, current.ExternalRef)
		}
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = saved.CreatedAt
	}

	r.byTenant[tenantID] = saved
	r.byRef[saved.ExternalRef] = tenantID
	return clone(saved), nil
}

func (r *MemoryRepository) List(ctx context.Context, opts service.ListOptions) ([]service.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]service.Subscription, 0, len(r.byTenant))
	for _, sub := range r.byTenant {
		if opts.Status != nil && sub.Status != *opts.Status {
			continue
		}
		items = append(items, clone(sub))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TenantID < items[j].TenantID })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		start = len(items)
	}
	end := len(items)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return items[start:end], nil
}

func clone(sub service.Subscription) service.Subscription {
	out := sub
	out.TrialEndsAt = cloneTime(sub.TrialEndsAt)
	out.GracePeriodEndsAt = cloneTime(sub.GracePeriodEndsAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
