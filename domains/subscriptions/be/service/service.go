package service

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ListOptions filters subscription listings.
type ListOptions struct {
	Status *Status
	Limit  int
	Offset int
}

// Store abstracts durable subscription persistence.
//
// CompareAndSwap writes next only when the stored version equals expectedVersion and
// returns the committed record, whose version is expectedVersion+1. An expectedVersion of
// zero creates the record and fails with ErrVersionConflict when one already exists.
type Store interface {
	Get(ctx context.Context, tenantID string) (Subscription, error)
	GetByReference(ctx context.Context, ref string) (Subscription, error)
	CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next Subscription) (Subscription, error)
	List(ctx context.Context, opts ListOptions) ([]Subscription, error)
}

// Config tunes the service.
type Config struct {
	// StoreTimeout bounds each store call; zero disables the bound.
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Service fronts a Store with request timeouts and error classification.
type Service struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// New constructs a Service.
func New(store Store, cfg Config) *Service {
	if store == nil {
		panic("subscription store is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, timeout: cfg.StoreTimeout, now: now}
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Get loads the subscription of a tenant.
func (s *Service) Get(ctx context.Context, tenantID string) (Subscription, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sub, err := s.store.Get(ctx, tenantID)
	return sub, classify(err)
}

// GetByReference resolves a provider subscription reference.
func (s *Service) GetByReference(ctx context.Context, ref string) (Subscription, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sub, err := s.store.GetByReference(ctx, ref)
	return sub, classify(err)
}

// CompareAndSwap commits next if the stored version still equals expectedVersion.
func (s *Service) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next Subscription) (Subscription, error) {
	if tenantID == "" {
		return Subscription{}, errors.New("tenant id is required")
	}
	if next.TenantID != tenantID {
		return Subscription{}, fmt.Errorf("subscription tenant %q does not match %q", next.TenantID, tenantID)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	saved, err := s.store.CompareAndSwap(ctx, tenantID, expectedVersion, next)
	return saved, classify(err)
}

// List returns subscriptions matching opts.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Subscription, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	subs, err := s.store.List(ctx, opts)
	return subs, classify(err)
}

// View is a subscription together with its status at read time.
type View struct {
	Subscription
	EffectiveStatus Status
}

// Effective loads a subscription and derives its effective status.
func (s *Service) Effective(ctx context.Context, tenantID string) (View, error) {
	sub, err := s.Get(ctx, tenantID)
	if err != nil {
		return View{}, err
	}
	return View{Subscription: sub, EffectiveStatus: EffectiveStatus(sub, s.now())}, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// classify keeps contract errors intact and marks everything else as transient.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrReferenceConflict),
		errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// IsTransient reports whether err should be retried by the caller later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
