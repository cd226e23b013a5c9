package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

// errUntranslatable marks Stripe events that carry no lifecycle meaning; they are acknowledged.
var errUntranslatable = errors.New("stripe event has no lifecycle mapping")

// Metadata keys read from Stripe subscriptions and prices.
const (
	stripeTenantKey = "tenantId"
	stripeTierKey   = "tier"
)

// Stripe handles POST /webhooks/stripe.
func (h *Handler) Stripe(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerFrom(r.Context())

	if strings.TrimSpace(h.cfg.StripeSecret) == "" {
		logger.Error("stripe webhook secret not configured")
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable,
			"Service unavailable", "stripe webhooks are not configured"))
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", "missing Stripe-Signature"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, h.cfg.StripeSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logger.Warn("stripe signature rejected", zap.Error(err))
		problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", "invalid Stripe signature"))
		return
	}

	ev, err := TranslateStripeEvent(event)
	switch {
	case errors.Is(err, errUntranslatable):
		logger.Info("stripe event acknowledged without lifecycle change",
			zap.String("stripe_event_id", event.ID), zap.String("stripe_event_type", string(event.Type)))
		problem.WriteJSON(w, http.StatusOK, ingestResponse{Outcome: "ignored"})
		return
	case err != nil:
		logger.Warn("stripe event not translatable", zap.String("stripe_event_id", event.ID), zap.Error(err))
		problem.Write(w, badRequest("%v", err))
		return
	}

	canonical, err := service.MarshalEvent(ev)
	if err != nil {
		problem.Write(w, badRequest("%v", err))
		return
	}

	res, err := h.pipeline.Ingest(r.Context(), service.Delivery{Source: sourceStripe, Event: ev, Payload: canonical})
	h.respond(w, r, res, err)
}

type stripeMetadataHolder struct {
	Metadata map[string]string `json:"metadata"`
}

type stripeItem struct {
	Quantity int                  `json:"quantity"`
	Price    stripeMetadataHolder `json:"price"`
	Plan     stripeMetadataHolder `json:"plan"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	TrialEnd int64             `json:"trial_end"`
	Items    struct {
		Data []stripeItem `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (s stripeSubscription) tier() string {
	if t := s.Metadata[stripeTierKey]; t != "" {
		return t
	}
	return s.itemTier()
}

func (s stripeSubscription) itemTier() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	item := s.Items.Data[0]
	if t := item.Price.Metadata[stripeTierKey]; t != "" {
		return t
	}
	return item.Plan.Metadata[stripeTierKey]
}

// previousTier rebuilds the tier before an update. previous_attributes only lists the
// fields that changed, so untouched metadata or items are read from the current object.
func previousTier(sub, prev stripeSubscription, metadataChanged, itemsChanged bool) string {
	if metadataChanged {
		if t := prev.Metadata[stripeTierKey]; t != "" {
			return t
		}
	} else if t := sub.Metadata[stripeTierKey]; t != "" {
		return t
	}
	if itemsChanged {
		return prev.itemTier()
	}
	return sub.itemTier()
}

func (s stripeSubscription) quantity() int {
	if len(s.Items.Data) == 0 {
		return 0
	}
	return s.Items.Data[0].Quantity
}

// TranslateStripeEvent maps a verified Stripe event onto a lifecycle event.
func TranslateStripeEvent(event stripelib.Event) (subsvc.Event, error) {
	if event.Data == nil {
		return subsvc.Event{}, fmt.Errorf("%w: event %s has no data", subsvc.ErrMalformedEvent, event.ID)
	}

	ev := subsvc.Event{ID: event.ID, OccurredAt: time.Unix(event.Created, 0).UTC()}

	switch string(event.Type) {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return subsvc.Event{}, fmt.Errorf("%w: decode subscription: %w", subsvc.ErrMalformedEvent, err)
		}
		ev.SubscriptionRef = sub.ID
		return translateSubscription(ev, string(event.Type), sub, event.Data.PreviousAttributes)

	case "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return subsvc.Event{}, fmt.Errorf("%w: decode invoice: %w", subsvc.ErrMalformedEvent, err)
		}
		ref := inv.Subscription
		if ref == "" {
			ref = inv.Parent.SubscriptionDetails.Subscription
		}
		if ref == "" {
			return subsvc.Event{}, errUntranslatable
		}
		ev.SubscriptionRef = ref
		if string(event.Type) == "invoice.payment_failed" {
			ev.Type = subsvc.EventSuspended
			return ev, nil
		}
		// Zero-amount invoices open trials; they do not renew anything.
		if inv.AmountPaid == 0 {
			return subsvc.Event{}, errUntranslatable
		}
		ev.Type = subsvc.EventRenewed
		return ev, nil

	default:
		return subsvc.Event{}, errUntranslatable
	}
}

func translateSubscription(ev subsvc.Event, eventType string, sub stripeSubscription, previous map[string]interface{}) (subsvc.Event, error) {
	switch eventType {
	case "customer.subscription.created":
		ev.Type = subsvc.EventSubscribed
		ev.TenantID = sub.Metadata[stripeTenantKey]
		ev.Quantity = sub.quantity()
		tier, err := parseStripeTier(sub.tier())
		if err != nil {
			return subsvc.Event{}, err
		}
		ev.Tier = tier
		trial := sub.Status == "trialing"
		ev.Trial = &trial
		if trial && sub.TrialEnd > 0 {
			end := time.Unix(sub.TrialEnd, 0).UTC()
			ev.TrialEndsAt = &end
		}
		return ev, nil

	case "customer.subscription.deleted":
		ev.Type = subsvc.EventUnsubscribed
		return ev, nil

	case "customer.subscription.paused":
		ev.Type = subsvc.EventSuspended
		return ev, nil

	case "customer.subscription.resumed":
		ev.Type = subsvc.EventReinstated
		return ev, nil
	}

	// customer.subscription.updated: status changes win over item changes.
	if prevStatus, ok := previous["status"].(string); ok && prevStatus != sub.Status {
		switch sub.Status {
		case "active":
			if prevStatus == "trialing" {
				ev.Type = subsvc.EventRenewed
			} else {
				ev.Type = subsvc.EventReinstated
			}
			return ev, nil
		case "past_due", "unpaid", "paused":
			ev.Type = subsvc.EventSuspended
			return ev, nil
		case "canceled":
			ev.Type = subsvc.EventUnsubscribed
			return ev, nil
		}
		return subsvc.Event{}, errUntranslatable
	}

	_, itemsChanged := previous["items"]
	_, metadataChanged := previous["metadata"]
	if !itemsChanged && !metadataChanged {
		return subsvc.Event{}, errUntranslatable
	}

	var prev stripeSubscription
	raw, err := json.Marshal(previous)
	if err != nil {
		return subsvc.Event{}, fmt.Errorf("%w: encode previous attributes: %w", subsvc.ErrMalformedEvent, err)
	}
	if err := json.Unmarshal(raw, &prev); err != nil {
		return subsvc.Event{}, fmt.Errorf("%w: decode previous attributes: %w", subsvc.ErrMalformedEvent, err)
	}

	tier := sub.tier()
	prevTier := previousTier(sub, prev, metadataChanged, itemsChanged)
	quantity := sub.quantity()
	quantityChanged := itemsChanged && quantity > 0 && quantity != prev.quantity()

	switch {
	case tier != "" && prevTier != "" && tier != prevTier:
		parsed, err := parseStripeTier(tier)
		if err != nil {
			return subsvc.Event{}, err
		}
		ev.Type = subsvc.EventChangePlan
		ev.Tier = parsed
		if quantityChanged {
			ev.Quantity = quantity
		}
		return ev, nil
	case quantityChanged:
		ev.Type = subsvc.EventChangeQuantity
		ev.Quantity = quantity
		return ev, nil
	case itemsChanged && prevTier == "" && tier != "":
		// The old tier is unknown; the state machine compares against the stored tier.
		parsed, err := parseStripeTier(tier)
		if err != nil {
			return subsvc.Event{}, err
		}
		ev.Type = subsvc.EventChangePlan
		ev.Tier = parsed
		return ev, nil
	}
	return subsvc.Event{}, errUntranslatable
}

func parseStripeTier(s string) (catalog.Tier, error) {
	if s == "" {
		return "", fmt.Errorf("%w: subscription carries no %q metadata", subsvc.ErrMalformedEvent, stripeTierKey)
	}
	tier, err := catalog.ParseTier(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", subsvc.ErrMalformedEvent, err)
	}
	return tier, nil
}
