package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
)

// Payload is the canonical JSON form of a lifecycle event. Marketplace deliveries arrive in
// this shape; other providers are translated into it, and dead letters store it.
type Payload struct {
	ID              string     `json:"id"`
	SubscriptionRef string     `json:"subscriptionId"`
	Action          string     `json:"action"`
	TenantID        string     `json:"tenantId,omitempty"`
	PlanID          string     `json:"planId,omitempty"`
	Quantity        int        `json:"quantity,omitempty"`
	Trial           *bool      `json:"trial,omitempty"`
	TrialEndsAt     *time.Time `json:"trialEndsAt,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Event converts the payload into a lifecycle event. Errors wrap subsvc.ErrMalformedEvent.
func (p Payload) Event() (subsvc.Event, error) {
	typ, err := subsvc.ParseEventType(p.Action)
	if err != nil {
		return subsvc.Event{}, err
	}

	ev := subsvc.Event{
		ID:              p.ID,
		SubscriptionRef: p.SubscriptionRef,
		Type:            typ,
		TenantID:        p.TenantID,
		Quantity:        p.Quantity,
		Trial:           p.Trial,
		TrialEndsAt:     p.TrialEndsAt,
		OccurredAt:      p.Timestamp,
	}
	if p.PlanID != "" {
		tier, err := catalog.ParseTier(p.PlanID)
		if err != nil {
			return subsvc.Event{}, fmt.Errorf("%w: %w", subsvc.ErrMalformedEvent, err)
		}
		ev.Tier = tier
	}
	if err := ev.Validate(); err != nil {
		return subsvc.Event{}, err
	}
	return ev, nil
}

// PayloadFromEvent is the inverse of Payload.Event.
func PayloadFromEvent(ev subsvc.Event) Payload {
	return Payload{
		ID:              ev.ID,
		SubscriptionRef: ev.SubscriptionRef,
		Action:          string(ev.Type),
		TenantID:        ev.TenantID,
		PlanID:          string(ev.Tier),
		Quantity:        ev.Quantity,
		Trial:           ev.Trial,
		TrialEndsAt:     ev.TrialEndsAt,
		Timestamp:       ev.OccurredAt,
	}
}

// MarshalEvent encodes ev in canonical form.
func MarshalEvent(ev subsvc.Event) (json.RawMessage, error) {
	return json.Marshal(PayloadFromEvent(ev))
}
