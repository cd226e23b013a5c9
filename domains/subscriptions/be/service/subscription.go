package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
)

// Errors returned by the subscription store and state machine.
var (
	ErrNotFound          = errors.New("subscription not found")
	ErrVersionConflict   = errors.New("subscription version conflict")
	ErrReferenceConflict = errors.New("subscription reference already bound to another tenant")
	ErrInvalidTransition = errors.New("lifecycle transition not permitted")
	ErrMalformedEvent    = errors.New("malformed lifecycle event")
	ErrUnavailable       = errors.New("subscription store unavailable")
)

// Status is the lifecycle status of a subscription.
type Status string

const (
	StatusTrialing    Status = "trialing"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusSuspended   Status = "suspended"
	StatusCancelled   Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusGracePeriod, StatusSuspended, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
	return st, nil
}

// Subscription is the entitlement record of one tenant.
type Subscription struct {
	TenantID          string
	Tier              catalog.Tier
	Status            Status
	Quantity          int
	TrialEndsAt       *time.Time
	GracePeriodEndsAt *time.Time
	ExternalRef       string
	Version           int64
	LastEventID       string
	CatalogVersion    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EventType enumerates provider lifecycle notifications.
type EventType string

const (
	EventSubscribed     EventType = "Subscribed"
	EventChangePlan     EventType = "ChangePlan"
	EventChangeQuantity EventType = "ChangeQuantity"
	EventSuspended      EventType = "Suspended"
	EventReinstated     EventType = "Reinstated"
	EventRenewed        EventType = "Renewed"
	EventUnsubscribed   EventType = "Unsubscribed"
)

var eventTypes = map[string]EventType{
	"subscribed":     EventSubscribed,
	"changeplan":     EventChangePlan,
	"changequantity": EventChangeQuantity,
	"suspended":      EventSuspended,
	"suspend":        EventSuspended,
	"reinstated":     EventReinstated,
	"reinstate":      EventReinstated,
	"renewed":        EventRenewed,
	"renew":          EventRenewed,
	"unsubscribed":   EventUnsubscribed,
	"unsubscribe":    EventUnsubscribed,
}

// ParseEventType accepts the canonical names and the provider's lowercase verbs.
func ParseEventType(s string) (EventType, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if t, ok := eventTypes[key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, s)
}

// Event is an inbound lifecycle notification.
type Event struct {
	ID              string
	SubscriptionRef string
	Type            EventType
	// TenantID binds a new subscription reference; only meaningful for Subscribed.
	TenantID    string
	Tier        catalog.Tier
	Quantity    int
	Trial       *bool
	TrialEndsAt *time.Time
	OccurredAt  time.Time
}

// Validate checks the fields each event type requires.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.SubscriptionRef) == "" {
		return fmt.Errorf("%w: subscription reference is required", ErrMalformedEvent)
	}

	switch e.Type {
	case EventSubscribed:
		if !e.Tier.Valid() {
			return fmt.Errorf("%w: Subscribed requires a plan tier", ErrMalformedEvent)
		}
		if e.Quantity < 0 {
			return fmt.Errorf("%w: quantity must not be negative", ErrMalformedEvent)
		}
	case EventChangePlan:
		if !e.Tier.Valid() {
			return fmt.Errorf("%w: ChangePlan requires a plan tier", ErrMalformedEvent)
		}
		if e.Quantity < 0 {
			return fmt.Errorf("%w: quantity must not be negative", ErrMalformedEvent)
		}
	case EventChangeQuantity:
		if e.Quantity < 1 {
			return fmt.Errorf("%w: ChangeQuantity requires a positive quantity", ErrMalformedEvent)
		}
	case EventSuspended, EventReinstated, EventRenewed, EventUnsubscribed:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}

	return nil
}

// TransitionError reports an event that has no edge from the current status.
type TransitionError struct {
	From  Status
	Event EventType
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	return fmt.Sprintf("%s event not permitted from status %s", e.Event, from)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
