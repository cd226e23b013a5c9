package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/retry"
)

var (
	ErrNotFound        = errors.New("usage counter not found")
	ErrVersionConflict = errors.New("usage counter version conflict")
	ErrLimitExceeded   = errors.New("usage limit exceeded")
	ErrInvalidDelta    = errors.New("usage delta must be positive")
	// ErrUnavailable marks store failures and exhausted conflict retries; callers may retry later.
	ErrUnavailable = errors.New("usage store unavailable")
)

// Counter is the consumption of one metric by one tenant.
type Counter struct {
	TenantID    string
	Metric      catalog.Metric
	Value       int64
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Version     int64
	UpdatedAt   time.Time
}

// Period bounds a counting window; both ends are optional.
type Period struct {
	Start *time.Time
	End   *time.Time
}

// LimitExceededError carries the state that made TryIncrement refuse.
type LimitExceededError struct {
	TenantID string
	Metric   catalog.Metric
	Current  int64
	Delta    int64
	Limit    int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("usage of %s for tenant %s would reach %d, limit %d", e.Metric, e.TenantID, e.Current+e.Delta, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Repository exposes versioned counter primitives. CompareAndSwap with expectedVersion 0
// creates the counter and fails with ErrVersionConflict when it already exists; the
// returned counter carries version expectedVersion+1.
type Repository interface {
	Load(ctx context.Context, tenantID string, metric catalog.Metric) (Counter, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, next Counter) (Counter, error)
	List(ctx context.Context, tenantID string) ([]Counter, error)
}

// Config tunes the service.
type Config struct {
	Retry        retry.Policy
	StoreTimeout time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Service implements atomic increment-and-check on top of a Repository.
type Service struct {
	repo    Repository
	policy  retry.Policy
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New constructs a Service.
func New(repo Repository, cfg Config) *Service {
	if repo == nil {
		panic("usage repository is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
		policy.MaxAttempts = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, policy: policy, timeout: cfg.StoreTimeout, now: now, metrics: cfg.Metrics, logger: logger}
}

// Get returns the counter, or a zero counter when none exists yet.
func (s *Service) Get(ctx context.Context, tenantID string, metric catalog.Metric) (Counter, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	c, err := s.repo.Load(ctx, tenantID, metric)
	if errors.Is(err, ErrNotFound) {
		return Counter{TenantID: tenantID, Metric: metric}, nil
	}
	return c, classify(err)
}

// List returns every counter of a tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]Counter, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out, err := s.repo.List(ctx, tenantID)
	return out, classify(err)
}

// TryIncrement adds delta when current+delta stays within limit (-1 is unlimited).
// Refusals return a *LimitExceededError and never modify the counter.
func (s *Service) TryIncrement(ctx context.Context, tenantID string, metric catalog.Metric, delta, limit int64) (Counter, error) {
	if delta <= 0 {
		return Counter{}, ErrInvalidDelta
	}

	return s.update(ctx, tenantID, metric, func(cur Counter) (Counter, error) {
		if limit != catalog.Unlimited && cur.Value+delta > limit {
			return Counter{}, &LimitExceededError{TenantID: tenantID, Metric: metric, Current: cur.Value, Delta: delta, Limit: limit}
		}
		cur.Value += delta
		return cur, nil
	})
}

// Decrement subtracts delta unconditionally, flooring at zero. A missing counter is left alone.
func (s *Service) Decrement(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (Counter, error) {
	if delta <= 0 {
		return Counter{}, ErrInvalidDelta
	}

	c, err := s.update(ctx, tenantID, metric, func(cur Counter) (Counter, error) {
		if cur.Version == 0 {
			return Counter{}, ErrNotFound
		}
		cur.Value -= delta
		if cur.Value < 0 {
			cur.Value = 0
		}
		return cur, nil
	})
	if errors.Is(err, ErrNotFound) {
		return Counter{TenantID: tenantID, Metric: metric}, nil
	}
	return c, err
}

// Reset zeroes the counter and opens period.
func (s *Service) Reset(ctx context.Context, tenantID string, metric catalog.Metric, period Period) (Counter, error) {
	c, err := s.update(ctx, tenantID, metric, func(cur Counter) (Counter, error) {
		cur.Value = 0
		cur.PeriodStart = period.Start
		cur.PeriodEnd = period.End
		return cur, nil
	})
	if err == nil {
		s.logger.Info("usage counter reset",
			zap.String("tenant_id", tenantID),
			zap.String("metric", string(metric)),
		)
	}
	return c, err
}

// update runs a load-mutate-CAS loop, retrying only on version conflicts.
func (s *Service) update(ctx context.Context, tenantID string, metric catalog.Metric, mutate func(Counter) (Counter, error)) (Counter, error) {
	if tenantID == "" {
		return Counter{}, errors.New("tenant id is required")
	}

	var saved Counter
	err := retry.Do(ctx, s.policy, func(attempt int) error {
		callCtx, cancel := s.bound(ctx)
		defer cancel()

		cur, err := s.repo.Load(callCtx, tenantID, metric)
		switch {
		case errors.Is(err, ErrNotFound):
			cur = Counter{TenantID: tenantID, Metric: metric}
		case err != nil:
			return retry.Permanent(classify(err))
		}

		expected := cur.Version
		next, err := mutate(cur)
		if err != nil {
			return retry.Permanent(err)
		}
		next.TenantID = tenantID
		next.Metric = metric
		next.UpdatedAt = s.now()

		out, err := s.repo.CompareAndSwap(callCtx, expected, next)
		switch {
		case err == nil:
			saved = out
			return nil
		case errors.Is(err, ErrVersionConflict):
			s.metrics.UsageConflict(string(metric))
			return err
		default:
			return retry.Permanent(classify(err))
		}
	})
	if errors.Is(err, retry.ErrExhausted) {
		return Counter{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return saved, err
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
