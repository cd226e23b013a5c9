// Package service answers request-time entitlement questions from the subscription
// record, the plan catalog and the usage counters.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	usagesvc "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/metrics"
)

// Subscriptions reads subscription records.
type Subscriptions interface {
	Get(ctx context.Context, tenantID string) (subsvc.Subscription, error)
}

// Usage is the counter store slice the evaluator needs.
type Usage interface {
	Get(ctx context.Context, tenantID string, metric catalog.Metric) (usagesvc.Counter, error)
	TryIncrement(ctx context.Context, tenantID string, metric catalog.Metric, delta, limit int64) (usagesvc.Counter, error)
	Decrement(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (usagesvc.Counter, error)
}

// Config wires optional collaborators.
type Config struct {
	// CacheTTL enables a read cache of subscription records; zero disables it.
	CacheTTL time.Duration
	// ReadTimeout bounds a shared store read, which outlives the caller that started it.
	ReadTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Emitter
}

const defaultReadTimeout = 5 * time.Second

// Evaluator implements the entitlement checks.
type Evaluator struct {
	catalog *catalog.Catalog
	subs    Subscriptions
	usage   Usage

	cache       *gocache.Cache
	flights     singleflight.Group
	readTimeout time.Duration

	// generations counts invalidations per tenant; a read that raced one is not cached.
	genMu       sync.Mutex
	generations map[string]uint64

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	audit   audit.Emitter
}

// state is a subscription record, or the implicit Free plan for tenants without one.
type state struct {
	sub        subsvc.Subscription
	subscribed bool
}

// New constructs an Evaluator.
func New(c *catalog.Catalog, subs Subscriptions, usage Usage, cfg Config) *Evaluator {
	if c == nil || subs == nil || usage == nil {
		panic("evaluator requires a catalog, subscriptions and usage")
	}
	if _, ok := c.Lookup(catalog.TierFree); !ok {
		panic("plan catalog must define the free tier")
	}

	e := &Evaluator{
		catalog:     c,
		subs:        subs,
		usage:       usage,
		readTimeout: cfg.ReadTimeout,
		generations: make(map[string]uint64),
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
	}
	if e.readTimeout <= 0 {
		e.readTimeout = defaultReadTimeout
	}
	if cfg.CacheTTL > 0 {
		e.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	return e
}

// Invalidate drops the cached record of a tenant. The webhook pipeline calls it after
// every applied transition.
func (e *Evaluator) Invalidate(tenantID string) {
	e.genMu.Lock()
	e.generations[tenantID]++
	if e.cache != nil {
		e.cache.Delete(tenantID)
	}
	e.genMu.Unlock()
	e.flights.Forget(tenantID)
}

func (e *Evaluator) generation(tenantID string) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.generations[tenantID]
}

// store caches st unless tenantID was invalidated after gen was taken.
func (e *Evaluator) store(tenantID string, gen uint64, st state) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if e.generations[tenantID] != gen {
		return
	}
	e.cache.SetDefault(tenantID, st)
}

// CheckFeature allows f when the effective status is not Suspended or Cancelled and the
// tenant's plan enables it.
func (e *Evaluator) CheckFeature(ctx context.Context, tenantID string, f catalog.Feature) (Decision, error) {
	if !e.catalog.KnownFeature(f) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	st, err := e.load(ctx, tenantID, false)
	if err != nil {
		return Decision{}, err
	}

	now := e.now()
	d := e.base(tenantID, st, now)
	d.Feature = f
	plan := e.plan(st)

	switch {
	case !active(d.Status):
		d.Reason = ReasonSubscriptionInactive
	case !plan.HasFeature(f):
		d.Reason = ReasonFeatureNotInPlan
		d.RequiredTier, _ = e.catalog.RequiredTier(f)
	default:
		d.Allowed = true
	}

	e.record(ctx, "feature", audit.EventFeatureDenied, string(f), d)
	return d, nil
}

// CheckQuota reports whether delta more units of metric fit the plan limit. It does not
// reserve anything; use Consume for that.
func (e *Evaluator) CheckQuota(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (Decision, error) {
	if delta < 0 {
		return Decision{}, ErrInvalidDelta
	}
	st, err := e.load(ctx, tenantID, false)
	if err != nil {
		return Decision{}, err
	}

	d, limit, err := e.quotaGate(tenantID, st, metric, delta)
	if err != nil {
		return Decision{}, err
	}
	if d.Reason == "" {
		counter, err := e.usage.Get(ctx, tenantID, metric)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		d.Current = counter.Value
		d.Allowed = limit == catalog.Unlimited || counter.Value+delta <= limit
		if !d.Allowed {
			d.Reason = ReasonQuotaExceeded
		}
	}

	e.record(ctx, "quota", audit.EventQuotaDenied, string(metric), d)
	return d, nil
}

// Consume checks the subscription and atomically reserves delta units of metric. It
// always reads the subscription fresh.
func (e *Evaluator) Consume(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (Decision, error) {
	if delta <= 0 {
		return Decision{}, ErrInvalidDelta
	}
	st, err := e.load(ctx, tenantID, true)
	if err != nil {
		return Decision{}, err
	}

	d, limit, err := e.quotaGate(tenantID, st, metric, delta)
	if err != nil {
		return Decision{}, err
	}
	if d.Reason == "" {
		counter, err := e.usage.TryIncrement(ctx, tenantID, metric, delta, limit)
		var exceeded *usagesvc.LimitExceededError
		switch {
		case errors.As(err, &exceeded):
			d.Current = exceeded.Current
			d.Reason = ReasonQuotaExceeded
		case err != nil:
			return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		default:
			d.Current = counter.Value
			d.Allowed = true
		}
	}

	e.record(ctx, "consume", audit.EventQuotaDenied, string(metric), d)
	return d, nil
}

// Release returns delta units of metric. It never fails on limits.
func (e *Evaluator) Release(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (usagesvc.Counter, error) {
	if tenantID == "" {
		return usagesvc.Counter{}, ErrMissingTenant
	}
	if delta <= 0 {
		return usagesvc.Counter{}, ErrInvalidDelta
	}
	if !e.knownMetric(metric) {
		return usagesvc.Counter{}, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	counter, err := e.usage.Decrement(ctx, tenantID, metric, delta)
	if err != nil {
		return usagesvc.Counter{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return counter, nil
}

// CheckAccess applies the status rules: Trialing and Active allow everything, GracePeriod
// allows reads and writes but no creation, Suspended and Cancelled are read-only.
func (e *Evaluator) CheckAccess(ctx context.Context, tenantID string, access Access) (Decision, error) {
	if _, err := ParseAccess(string(access)); err != nil {
		return Decision{}, err
	}
	st, err := e.load(ctx, tenantID, false)
	if err != nil {
		return Decision{}, err
	}

	d := e.base(tenantID, st, e.now())
	d.Access = access
	d.Allowed, d.Reason = accessFor(d.Status, access)

	e.record(ctx, "access", audit.EventAccessDenied, string(access), d)
	return d, nil
}

// Snapshot evaluates every feature and metric of the tenant at once.
func (e *Evaluator) Snapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	st, err := e.load(ctx, tenantID, false)
	if err != nil {
		return Snapshot{}, err
	}

	now := e.now()
	status := subsvc.EffectiveStatus(st.sub, now)
	plan := e.plan(st)

	snap := Snapshot{
		TenantID:          tenantID,
		Status:            status,
		Tier:              plan.Tier,
		Quantity:          st.sub.Quantity,
		Subscribed:        st.subscribed,
		TrialEndsAt:       st.sub.TrialEndsAt,
		GracePeriodEndsAt: st.sub.GracePeriodEndsAt,
		CatalogVersion:    e.catalog.Version(),
		Access:            make(map[Access]bool, 3),
		Features:          make(map[catalog.Feature]bool),
		EvaluatedAt:       now,
	}
	for _, a := range []Access{AccessRead, AccessWrite, AccessCreate} {
		snap.Access[a], _ = accessFor(status, a)
	}
	for _, f := range e.catalog.Features() {
		snap.Features[f] = active(status) && plan.HasFeature(f)
	}
	for _, m := range e.catalog.Metrics() {
		limit, err := plan.LimitFor(m, st.sub.Quantity)
		if err != nil {
			continue
		}
		counter, err := e.usage.Get(ctx, tenantID, m)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		q := QuotaUsage{Metric: m, Used: counter.Value, Limit: limit, Remaining: catalog.Unlimited}
		if limit != catalog.Unlimited {
			q.Remaining = max(limit-counter.Value, 0)
		}
		snap.Quotas = append(snap.Quotas, q)
	}
	return snap, nil
}

// quotaGate applies the status rules of quota checks and resolves the metric limit. A
// returned decision with a Reason is already a denial.
func (e *Evaluator) quotaGate(tenantID string, st state, metric catalog.Metric, delta int64) (Decision, int64, error) {
	plan := e.plan(st)
	limit, err := plan.LimitFor(metric, st.sub.Quantity)
	if err != nil {
		return Decision{}, 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}

	d := e.base(tenantID, st, e.now())
	d.Metric = metric
	d.Delta = delta
	d.Limit = limit

	switch d.Status {
	case subsvc.StatusSuspended, subsvc.StatusCancelled:
		d.Reason = ReasonSubscriptionInactive
	case subsvc.StatusGracePeriod:
		if delta > 0 {
			d.Reason = ReasonGracePeriod
		}
	}
	return d, limit, nil
}

func (e *Evaluator) base(tenantID string, st state, now time.Time) Decision {
	return Decision{
		TenantID: tenantID,
		Status:   subsvc.EffectiveStatus(st.sub, now),
		Tier:     st.sub.Tier,
	}
}

func (e *Evaluator) plan(st state) catalog.Plan {
	if p, ok := e.catalog.Lookup(st.sub.Tier); ok {
		return p
	}
	// A tier dropped from the catalog falls back to the most restrictive plan.
	p, _ := e.catalog.Lookup(catalog.TierFree)
	return p
}

func (e *Evaluator) knownMetric(m catalog.Metric) bool {
	for _, known := range e.catalog.Metrics() {
		if known == m {
			return true
		}
	}
	return false
}

// load reads the tenant state through the cache unless fresh is set. Concurrent misses
// for one tenant share a single store read; it runs detached from the caller so one
// cancelled request does not fail the others waiting on it.
func (e *Evaluator) load(ctx context.Context, tenantID string, fresh bool) (state, error) {
	if tenantID == "" {
		return state{}, ErrMissingTenant
	}

	if e.cache != nil && !fresh {
		if v, ok := e.cache.Get(tenantID); ok {
			e.metrics.CacheLookup(true)
			return v.(state), nil
		}
		e.metrics.CacheLookup(false)
	}

	flight := e.flights.DoChan(tenantID, func() (interface{}, error) {
		gen := e.generation(tenantID)
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.readTimeout)
		defer cancel()

		var st state
		sub, err := e.subs.Get(readCtx, tenantID)
		switch {
		case errors.Is(err, subsvc.ErrNotFound):
			st = state{sub: e.defaultSubscription(tenantID)}
		case err != nil:
			return nil, err
		default:
			st = state{sub: sub, subscribed: true}
		}
		if e.cache != nil {
			e.store(tenantID, gen, st)
		}
		return st, nil
	})

	select {
	case <-ctx.Done():
		return state{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return state{}, fmt.Errorf("%w: %w", ErrUnavailable, res.Err)
		}
		return res.Val.(state), nil
	}
}

func (e *Evaluator) defaultSubscription(tenantID string) subsvc.Subscription {
	return subsvc.Subscription{
		TenantID:       tenantID,
		Tier:           catalog.TierFree,
		Status:         subsvc.StatusActive,
		Quantity:       1,
		CatalogVersion: e.catalog.Version(),
	}
}

// record counts the decision and emits an audit event for denials. Denials are policy
// outcomes and are logged at info.
func (e *Evaluator) record(ctx context.Context, kind string, typ audit.EventType, subject string, d Decision) {
	e.metrics.Decision(kind, d.Allowed)
	if d.Allowed {
		return
	}

	detail := map[string]any{"status": string(d.Status), "tier": string(d.Tier)}
	switch {
	case d.Feature != "":
		detail["requiredTier"] = string(d.RequiredTier)
	case d.Metric != "":
		detail["current"] = d.Current
		detail["delta"] = d.Delta
		detail["limit"] = d.Limit
	case d.Access != "":
		detail["access"] = string(d.Access)
	}

	e.logger.Info("entitlement denied",
		zap.String("kind", kind),
		zap.String("tenant_id", d.TenantID),
		zap.String("subject", subject),
		zap.String("reason", string(d.Reason)),
		zap.String("status", string(d.Status)),
	)
	e.audit.Emit(ctx, audit.Event{
		Timestamp: e.now(),
		Type:      typ,
		TenantID:  d.TenantID,
		Subject:   subject,
		Reason:    string(d.Reason),
		Detail:    detail,
	})
}

func active(s subsvc.Status) bool {
	return s != subsvc.StatusSuspended && s != subsvc.StatusCancelled
}

func accessFor(s subsvc.Status, a Access) (bool, Reason) {
	switch s {
	case subsvc.StatusTrialing, subsvc.StatusActive:
		return true, ""
	case subsvc.StatusGracePeriod:
		if a == AccessCreate {
			return false, ReasonGracePeriod
		}
		return true, ""
	default:
		if a == AccessRead {
			return true, ""
		}
		return false, ReasonSubscriptionInactive
	}
}
