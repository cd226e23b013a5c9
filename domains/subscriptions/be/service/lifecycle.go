package service

import (
	"fmt"
	"time"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
)

// Effect describes a consequence of an applied transition.
type Effect string

const (
	EffectCreated         Effect = "created"
	EffectStatusChanged   Effect = "status_changed"
	EffectTierChanged     Effect = "tier_changed"
	EffectQuantityChanged Effect = "quantity_changed"
	EffectAccessRevoked   Effect = "access_revoked"
	EffectAccessRestored  Effect = "access_restored"
)

// Transition is the outcome of applying one event.
type Transition struct {
	// From is the effective status before the event; empty for a new subscription.
	From Status
	Next Subscription
	// NoOp is set when the event leaves the record unchanged and nothing must be written.
	NoOp bool
	// Duplicate is set when the record already carries this event id.
	Duplicate bool
	Effects   []Effect
}

// EffectiveStatus derives the status visible at now, applying trial and grace expiry
// that no event has recorded yet.
func EffectiveStatus(sub Subscription, now time.Time) Status {
	switch sub.Status {
	case StatusTrialing:
		if sub.TrialEndsAt == nil || now.Before(*sub.TrialEndsAt) {
			return StatusTrialing
		}
		if sub.GracePeriodEndsAt != nil && !now.Before(*sub.GracePeriodEndsAt) {
			return StatusCancelled
		}
		return StatusGracePeriod
	case StatusGracePeriod:
		if sub.GracePeriodEndsAt != nil && !now.Before(*sub.GracePeriodEndsAt) {
			return StatusCancelled
		}
		return StatusGracePeriod
	default:
		return sub.Status
	}
}

// Machine applies lifecycle events. It performs no I/O.
type Machine struct {
	catalog *catalog.Catalog
}

// NewMachine builds a state machine bound to a plan catalog.
func NewMachine(c *catalog.Catalog) *Machine {
	if c == nil {
		panic("plan catalog is required")
	}
	return &Machine{catalog: c}
}

// Apply computes the next state of current (nil when the tenant has no subscription).
func (m *Machine) Apply(current *Subscription, ev Event, now time.Time) (Transition, error) {
	if err := ev.Validate(); err != nil {
		return Transition{}, err
	}

	if current == nil {
		if ev.Type != EventSubscribed {
			return Transition{}, &TransitionError{Event: ev.Type}
		}
		next, err := m.startCycle(Subscription{TenantID: ev.TenantID, CreatedAt: now}, ev, now, false)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Next: next, Effects: []Effect{EffectCreated}}, nil
	}

	from := EffectiveStatus(*current, now)
	if ev.ID == current.LastEventID {
		return Transition{From: from, Next: *current, NoOp: true, Duplicate: true}, nil
	}

	next := *current
	next.Status = from
	noop := false

	switch ev.Type {
	case EventSubscribed:
		switch from {
		case StatusTrialing:
			m.convertTrial(&next, ev.Tier)
			next.Quantity = quantityOr(ev.Quantity, next.Quantity)
		case StatusCancelled:
			started, err := m.startCycle(next, ev, now, true)
			if err != nil {
				return Transition{}, err
			}
			next = started
		case StatusActive:
			if ev.Tier != current.Tier {
				return Transition{}, &TransitionError{From: from, Event: ev.Type}
			}
			noop = true
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventChangePlan:
		if _, ok := m.catalog.Lookup(ev.Tier); !ok {
			return Transition{}, fmt.Errorf("%w: plan %q not in catalog", ErrMalformedEvent, ev.Tier)
		}
		// A plan change may carry the new seat count when both moved together.
		switch from {
		case StatusTrialing:
			m.convertTrial(&next, ev.Tier)
			next.Quantity = quantityOr(ev.Quantity, next.Quantity)
		case StatusActive, StatusGracePeriod, StatusSuspended:
			// Plan changes never move status on their own.
			if ev.Tier == current.Tier && quantityOr(ev.Quantity, current.Quantity) == current.Quantity {
				noop = true
				break
			}
			if ev.Tier != current.Tier {
				next.Tier = ev.Tier
				next.CatalogVersion = m.catalog.Version()
			}
			next.Quantity = quantityOr(ev.Quantity, next.Quantity)
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventChangeQuantity:
		switch from {
		case StatusTrialing, StatusActive, StatusGracePeriod, StatusSuspended:
			if ev.Quantity == current.Quantity {
				noop = true
				break
			}
			next.Quantity = ev.Quantity
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventSuspended:
		switch from {
		case StatusActive:
			next.Status = StatusSuspended
		case StatusSuspended:
			noop = true
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventReinstated:
		switch from {
		case StatusSuspended:
			next.Status = StatusActive
		case StatusActive:
			noop = true
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventRenewed:
		switch from {
		case StatusTrialing, StatusGracePeriod:
			next.Status = StatusActive
			next.TrialEndsAt = nil
			next.GracePeriodEndsAt = nil
		case StatusActive:
			noop = true
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}

	case EventUnsubscribed:
		switch from {
		case StatusActive, StatusGracePeriod:
			graceEnd := now.Add(m.catalog.Policy().CancellationGrace)
			next.Status = StatusCancelled
			next.TrialEndsAt = nil
			next.GracePeriodEndsAt = &graceEnd
		case StatusCancelled:
			noop = true
		default:
			return Transition{}, &TransitionError{From: from, Event: ev.Type}
		}
	}

	if noop {
		return Transition{From: from, Next: *current, NoOp: true}, nil
	}

	next.Version = current.Version + 1
	next.LastEventID = ev.ID
	next.UpdatedAt = now

	return Transition{From: from, Next: next, Effects: effectsOf(*current, from, next)}, nil
}

// startCycle opens a fresh subscription period. Reactivations never re-grant a trial
// unless the provider sends an explicit trial end.
func (m *Machine) startCycle(base Subscription, ev Event, now time.Time, reactivation bool) (Subscription, error) {
	plan, ok := m.catalog.Lookup(ev.Tier)
	if !ok {
		return Subscription{}, fmt.Errorf("%w: plan %q not in catalog", ErrMalformedEvent, ev.Tier)
	}
	if base.TenantID == "" {
		return Subscription{}, fmt.Errorf("%w: Subscribed requires a tenant", ErrMalformedEvent)
	}

	next := base
	next.Tier = plan.Tier
	next.Quantity = quantityOr(ev.Quantity, 1)
	next.ExternalRef = ev.SubscriptionRef
	next.CatalogVersion = m.catalog.Version()
	next.Status = StatusActive
	next.TrialEndsAt = nil
	next.GracePeriodEndsAt = nil

	var trialEnd *time.Time
	switch {
	case ev.TrialEndsAt != nil:
		if ev.TrialEndsAt.After(now) {
			end := ev.TrialEndsAt.UTC()
			trialEnd = &end
		}
	case ev.Trial != nil:
		if *ev.Trial && plan.OffersTrial() {
			end := now.Add(plan.TrialLength())
			trialEnd = &end
		}
	case !reactivation && plan.OffersTrial():
		end := now.Add(plan.TrialLength())
		trialEnd = &end
	}

	if trialEnd != nil {
		graceEnd := trialEnd.Add(m.catalog.Policy().TrialGrace)
		next.Status = StatusTrialing
		next.TrialEndsAt = trialEnd
		next.GracePeriodEndsAt = &graceEnd
	}

	next.Version = base.Version + 1
	next.LastEventID = ev.ID
	next.UpdatedAt = now
	return next, nil
}

func (m *Machine) convertTrial(next *Subscription, tier catalog.Tier) {
	if tier != "" && tier != next.Tier {
		next.Tier = tier
		next.CatalogVersion = m.catalog.Version()
	}
	next.Status = StatusActive
	next.TrialEndsAt = nil
	next.GracePeriodEndsAt = nil
}

func quantityOr(q, fallback int) int {
	if q > 0 {
		return q
	}
	return fallback
}

func effectsOf(prev Subscription, from Status, next Subscription) []Effect {
	var effects []Effect
	if from != next.Status {
		effects = append(effects, EffectStatusChanged)
	}
	if prev.Tier != next.Tier {
		effects = append(effects, EffectTierChanged)
	}
	if prev.Quantity != next.Quantity {
		effects = append(effects, EffectQuantityChanged)
	}

	wasFull := hasFullAccess(from)
	isFull := hasFullAccess(next.Status)
	switch {
	case wasFull && !isFull:
		effects = append(effects, EffectAccessRevoked)
	case !wasFull && isFull:
		effects = append(effects, EffectAccessRestored)
	}
	return effects
}

func hasFullAccess(s Status) bool {
	return s == StatusTrialing || s == StatusActive
}
