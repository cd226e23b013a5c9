// Package service ingests provider lifecycle events exactly once per (subscription
// reference, event id) and applies them to the subscription store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/keylock"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/metrics"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/retry"
)

const defaultDedupWindow = 7 * 24 * time.Hour

// Subscriptions is the slice of the subscription service the pipeline needs.
type Subscriptions interface {
	Get(ctx context.Context, tenantID string) (subsvc.Subscription, error)
	GetByReference(ctx context.Context, ref string) (subsvc.Subscription, error)
	CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, next subsvc.Subscription) (subsvc.Subscription, error)
}

// Delivery is one event as received from a provider.
type Delivery struct {
	Source string
	Event  subsvc.Event
	// Payload is the raw body kept with dead letters; the canonical form is used when empty.
	Payload json.RawMessage
}

// Config wires the optional collaborators of the pipeline.
type Config struct {
	DedupWindow time.Duration
	Retry       retry.Policy
	// LockTimeout bounds the wait for the per-subscription lock; zero waits for ctx.
	LockTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Emitter
	Invalidator CacheInvalidator
}

// Service runs the ingestion pipeline.
type Service struct {
	subs        Subscriptions
	machine     *subsvc.Machine
	dedup       DedupStore
	deadLetters DeadLetterStore
	locks       keylock.Locker

	window      time.Duration
	policy      retry.Policy
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
	audit       audit.Emitter
	invalidator CacheInvalidator
}

// New constructs the pipeline. deadLetters may be nil, in which case rejections are only logged.
func New(subs Subscriptions, machine *subsvc.Machine, dedup DedupStore, deadLetters DeadLetterStore, locks keylock.Locker, cfg Config) *Service {
	if subs == nil || machine == nil || dedup == nil || locks == nil {
		panic("webhook service requires subscriptions, machine, dedup store and locker")
	}

	s := &Service{
		subs:        subs,
		machine:     machine,
		dedup:       dedup,
		deadLetters: deadLetters,
		locks:       locks,
		window:      cfg.DedupWindow,
		policy:      cfg.Retry,
		lockTimeout: cfg.LockTimeout,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
		invalidator: cfg.Invalidator,
	}
	if s.window <= 0 {
		s.window = defaultDedupWindow
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	return s
}

// Ingest applies one delivery. Rejections are reported through Result; the returned error
// is non-nil only for transient failures, which wrap ErrUnavailable.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Result, error) {
	start := time.Now()
	res, err := s.ingest(ctx, d)

	outcome := string(res.Outcome)
	if err != nil {
		outcome = "unavailable"
	}
	s.metrics.WebhookEvent(d.Source, outcome, time.Since(start))
	return res, err
}

func (s *Service) ingest(ctx context.Context, d Delivery) (Result, error) {
	ev := d.Event
	logger := s.logger.With(
		zap.String("source", d.Source),
		zap.String("event_id", ev.ID),
		zap.String("subscription_ref", ev.SubscriptionRef),
		zap.String("event_type", string(ev.Type)),
	)

	if err := ev.Validate(); err != nil {
		logger.Warn("malformed lifecycle event", zap.Error(err))
		return Result{Outcome: OutcomeRejected, Reason: ReasonMalformed, Detail: err.Error()}, nil
	}

	seen, err := s.dedup.Seen(ctx, ev.SubscriptionRef, ev.ID, s.now())
	if err != nil {
		return Result{}, s.unavailable(logger, "dedup lookup failed", err)
	}
	if seen {
		logger.Debug("duplicate lifecycle event ignored")
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	unlock, err := s.locks.Lock(lockCtx, ev.SubscriptionRef)
	if err != nil {
		return Result{}, s.unavailable(logger, "subscription lock not acquired", err)
	}
	defer unlock()

	// A concurrent delivery may have finished while we waited for the lock.
	seen, err = s.dedup.Seen(ctx, ev.SubscriptionRef, ev.ID, s.now())
	if err != nil {
		return Result{}, s.unavailable(logger, "dedup lookup failed", err)
	}
	if seen {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	var (
		res      Result
		tenantID string
	)
	err = retry.Do(ctx, s.policy, func(attempt int) error {
		now := s.now()

		current, tenant, rej, err := s.resolve(ctx, ev, now)
		if err != nil {
			return retry.Permanent(err)
		}
		if rej != nil {
			res = *rej
			return nil
		}
		tenantID = tenant

		tr, err := s.machine.Apply(current, ev, now)
		if err != nil {
			res = rejectFromApply(err)
			res.TenantID = tenantID
			return nil
		}
		if tr.Duplicate {
			res = Result{Outcome: OutcomeDuplicate, TenantID: tenantID}
			return nil
		}
		if tr.NoOp {
			res = Result{Outcome: OutcomeApplied, TenantID: tenantID, Transition: &tr}
			return nil
		}

		expected := int64(0)
		if current != nil {
			expected = current.Version
		}
		saved, err := s.subs.CompareAndSwap(ctx, tenantID, expected, tr.Next)
		switch {
		case err == nil:
			tr.Next = saved
			res = Result{Outcome: OutcomeApplied, TenantID: tenantID, Transition: &tr}
			return nil
		case errors.Is(err, subsvc.ErrVersionConflict):
			logger.Debug("subscription version conflict, retrying", zap.Int("attempt", attempt))
			return err
		case errors.Is(err, subsvc.ErrReferenceConflict):
			res = Result{Outcome: OutcomeRejected, Reason: ReasonTenantMismatch, Detail: err.Error(), TenantID: tenantID}
			return nil
		default:
			return retry.Permanent(err)
		}
	})

	switch {
	case errors.Is(err, retry.ErrExhausted):
		logger.Warn("lifecycle event retries exhausted", zap.Error(err))
		return Result{Outcome: OutcomeRejected, Reason: ReasonRetryExhausted, Detail: err.Error(), TenantID: tenantID}, nil
	case err != nil:
		return Result{}, s.unavailable(logger, "subscription store failed", err)
	}

	switch res.Outcome {
	case OutcomeApplied:
		// The transition is stored; a marker that failed to land makes the provider
		// redeliver, and the record's last event id turns that into a duplicate.
		if err := s.applied(ctx, logger, d, res); err != nil {
			return Result{}, s.unavailable(logger, "processed event not recorded", err)
		}
	case OutcomeRejected:
		if res.Reason == ReasonMalformed {
			logger.Warn("lifecycle event rejected", zap.String("reason", string(res.Reason)), zap.String("detail", res.Detail))
			break
		}
		res = s.reject(ctx, logger, d, res)
	case OutcomeDuplicate:
		logger.Debug("lifecycle event already applied")
		if _, err := s.record(ctx, ev, res.TenantID); err != nil {
			logger.Warn("failed to record processed event", zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, ev subsvc.Event, tenantID string) (bool, error) {
	now := s.now()
	return s.dedup.Record(ctx, Marker{
		SubscriptionRef: ev.SubscriptionRef,
		EventID:         ev.ID,
		TenantID:        tenantID,
		EventType:       string(ev.Type),
		Outcome:         OutcomeApplied,
		ProcessedAt:     now,
		ExpiresAt:       now.Add(s.window),
	})
}

// resolve finds the subscription the event targets. A Subscribed event carrying a tenant
// may bind a reference the store has not seen yet.
func (s *Service) resolve(ctx context.Context, ev subsvc.Event, now time.Time) (*subsvc.Subscription, string, *Result, error) {
	sub, err := s.subs.GetByReference(ctx, ev.SubscriptionRef)
	switch {
	case err == nil:
		if ev.TenantID != "" && ev.TenantID != sub.TenantID {
			return nil, "", &Result{
				Outcome:  OutcomeRejected,
				Reason:   ReasonTenantMismatch,
				Detail:   fmt.Sprintf("reference %s belongs to tenant %s, event names %s", ev.SubscriptionRef, sub.TenantID, ev.TenantID),
				TenantID: sub.TenantID,
			}, nil
		}
		return &sub, sub.TenantID, nil, nil
	case !errors.Is(err, subsvc.ErrNotFound):
		return nil, "", nil, err
	}

	if ev.Type != subsvc.EventSubscribed || ev.TenantID == "" {
		return nil, "", &Result{
			Outcome: OutcomeRejected,
			Reason:  ReasonUnknownSubscription,
			Detail:  fmt.Sprintf("no subscription bound to reference %s", ev.SubscriptionRef),
		}, nil
	}

	sub, err = s.subs.Get(ctx, ev.TenantID)
	switch {
	case errors.Is(err, subsvc.ErrNotFound):
		return nil, ev.TenantID, nil, nil
	case err != nil:
		return nil, "", nil, err
	}

	// A tenant moves to a new reference only once its previous subscription has ended.
	if sub.ExternalRef != "" && subsvc.EffectiveStatus(sub, now) != subsvc.StatusCancelled {
		return nil, "", &Result{
			Outcome:  OutcomeRejected,
			Reason:   ReasonTenantMismatch,
			Detail:   fmt.Sprintf("tenant %s is still bound to reference %s", sub.TenantID, sub.ExternalRef),
			TenantID: sub.TenantID,
		}, nil
	}
	return &sub, sub.TenantID, nil, nil
}

func rejectFromApply(err error) Result {
	reason := ReasonInvalidTransition
	if errors.Is(err, subsvc.ErrMalformedEvent) {
		reason = ReasonMalformed
	}
	return Result{Outcome: OutcomeRejected, Reason: reason, Detail: err.Error()}
}

// applied publishes a stored transition, then records the dedup marker.
func (s *Service) applied(ctx context.Context, logger *zap.Logger, d Delivery, res Result) error {
	ev := d.Event
	tr := res.Transition
	now := s.now()

	if tr.NoOp {
		logger.Info("lifecycle event already reflected", zap.String("tenant_id", res.TenantID), zap.String("status", string(tr.From)))
	} else {
		s.publish(ctx, logger, d, res, now)
	}

	recorded, err := s.record(ctx, ev, res.TenantID)
	if err != nil {
		return err
	}
	if !recorded {
		logger.Debug("processed event already recorded")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, logger *zap.Logger, d Delivery, res Result, now time.Time) {
	ev := d.Event
	tr := res.Transition

	from := string(tr.From)
	to := string(tr.Next.Status)
	effects := make([]string, 0, len(tr.Effects))
	for _, e := range tr.Effects {
		effects = append(effects, string(e))
	}

	logger.Info("lifecycle event applied",
		zap.String("tenant_id", res.TenantID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("tier", string(tr.Next.Tier)),
		zap.Int64("version", tr.Next.Version),
		zap.Strings("effects", effects),
	)
	s.metrics.Transition(string(ev.Type), to)
	s.audit.Emit(ctx, audit.Event{
		Timestamp: now,
		Type:      audit.EventLifecycleChange,
		TenantID:  res.TenantID,
		Subject:   ev.ID,
		Detail: map[string]any{
			"source":     d.Source,
			"event":      string(ev.Type),
			"from":       from,
			"to":         to,
			"tier":       string(tr.Next.Tier),
			"quantity":   tr.Next.Quantity,
			"version":    tr.Next.Version,
			"effects":    effects,
			"occurredAt": ev.OccurredAt,
		},
	})
	if s.invalidator != nil {
		s.invalidator.Invalidate(res.TenantID)
	}
}

func (s *Service) reject(ctx context.Context, logger *zap.Logger, d Delivery, res Result) Result {
	ev := d.Event
	logger.Error("lifecycle event rejected",
		zap.String("reason", string(res.Reason)),
		zap.String("detail", res.Detail),
		zap.String("tenant_id", res.TenantID),
	)
	s.audit.Emit(ctx, audit.Event{
		Type:     audit.EventEventRejected,
		TenantID: res.TenantID,
		Subject:  ev.ID,
		Reason:   string(res.Reason),
		Detail:   map[string]any{"source": d.Source, "event": string(ev.Type), "subscriptionRef": ev.SubscriptionRef, "detail": res.Detail},
	})

	if !res.Reason.DeadLetter() || s.deadLetters == nil {
		return res
	}

	payload := d.Payload
	if len(payload) == 0 {
		raw, err := MarshalEvent(ev)
		if err != nil {
			logger.Error("failed to encode dead letter payload", zap.Error(err))
			return res
		}
		payload = raw
	}

	now := s.now()
	dl, err := s.deadLetters.Put(ctx, DeadLetter{
		ID:              uuid.New(),
		Source:          d.Source,
		EventID:         ev.ID,
		SubscriptionRef: ev.SubscriptionRef,
		EventType:       string(ev.Type),
		Reason:          res.Reason,
		Detail:          res.Detail,
		Payload:         payload,
		CreatedAt:       now,
		LastAttemptAt:   now,
	})
	if err != nil {
		logger.Error("failed to store dead letter", zap.Error(err))
		return res
	}
	s.metrics.DeadLetter(string(res.Reason))
	res.DeadLetterID = dl.ID.String()
	return res
}

func (s *Service) unavailable(logger *zap.Logger, msg string, err error) error {
	logger.Warn(msg, zap.Error(err))
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
