package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subrepo "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/repo"
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/repo"
	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/keylock"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/requesttrace"
)

const (
	marketplaceSecret = "mkt-secret"
	stripeSecret      = "whsec_test_secret"
)

type mockPipeline struct {
	ingestFn func(ctx context.Context, d service.Delivery) (service.Result, error)
	replayFn func(ctx context.Context, id uuid.UUID) (service.Result, error)
	listFn   func(ctx context.Context, limit, offset int) ([]service.DeadLetter, error)
}

func (m *mockPipeline) Ingest(ctx context.Context, d service.Delivery) (service.Result, error) {
	if m.ingestFn == nil {
		panic("ingestFn not configured")
	}
	return m.ingestFn(ctx, d)
}

func (m *mockPipeline) Replay(ctx context.Context, id uuid.UUID) (service.Result, error) {
	if m.replayFn == nil {
		panic("replayFn not configured")
	}
	return m.replayFn(ctx, id)
}

func (m *mockPipeline) ListDeadLetters(ctx context.Context, limit, offset int) ([]service.DeadLetter, error) {
	if m.listFn == nil {
		panic("listFn not configured")
	}
	return m.listFn(ctx, limit, offset)
}

func newRouter(t *testing.T, p Pipeline, cfg Config) http.Handler {
	t.Helper()

	h, err := New(p, zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	h.AdminRoutes(r)
	return r
}

func marketplaceRequest(t *testing.T, body string, sign bool) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(SignatureHeader, Sign(marketplaceSecret, []byte(body)))
	}
	return req
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	require.Equal(t, problem.ContentType, rec.Header().Get("Content-Type"))
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const subscribedBody = `{"id":"evt-1","subscriptionId":"sub-1","action":"Subscribed","tenantId":"tenant-a","planId":"pro","quantity":3,"timestamp":"2025-03-01T12:00:00Z"}`

func TestMarketplaceAppliesSignedEvent(t *testing.T) {
	var got service.Delivery
	pipeline := &mockPipeline{ingestFn: func(_ context.Context, d service.Delivery) (service.Result, error) {
		got = d
		tr := subsvc.Transition{Next: subsvc.Subscription{Status: subsvc.StatusTrialing, Version: 1}}
		return service.Result{Outcome: service.OutcomeApplied, TenantID: "tenant-a", Transition: &tr}, nil
	}}
	router := newRouter(t, pipeline, Config{MarketplaceSecret: marketplaceSecret})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, true))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"outcome":"applied","tenantId":"tenant-a","status":"trialing","version":1}`, rec.Body.String())
	require.Equal(t, "marketplace", got.Source)
	require.Equal(t, subsvc.EventSubscribed, got.Event.Type)
	require.Equal(t, catalog.TierPro, got.Event.Tier)
	require.Equal(t, 3, got.Event.Quantity)
	require.JSONEq(t, subscribedBody, string(got.Payload))
}

func TestMarketplaceRejectsBadSignature(t *testing.T) {
	router := newRouter(t, &mockPipeline{}, Config{MarketplaceSecret: marketplaceSecret})

	for name, header := range map[string]string{
		"missing":  "",
		"garbage":  "not-hex",
		"mismatch": Sign("other-secret", []byte(subscribedBody)),
	} {
		t.Run(name, func(t *testing.T) {
			req := marketplaceRequest(t, subscribedBody, false)
			if header != "" {
				req.Header.Set(SignatureHeader, header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, problem.TypeUnauthorized, decodeProblem(t, rec)["type"])
		})
	}
}

func TestMarketplaceSchemaValidation(t *testing.T) {
	router := newRouter(t, &mockPipeline{}, Config{})

	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing id", body: `{"subscriptionId":"sub-1","action":"Suspended"}`},
		{name: "unknown action", body: `{"id":"e","subscriptionId":"sub-1","action":"Explode"}`},
		{name: "subscribed without plan", body: `{"id":"e","subscriptionId":"sub-1","action":"Subscribed","tenantId":"t"}`},
		{name: "zero quantity change", body: `{"id":"e","subscriptionId":"sub-1","action":"ChangeQuantity","quantity":0}`},
		{name: "bad timestamp", body: `{"id":"e","subscriptionId":"sub-1","action":"Suspended","timestamp":"yesterday"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, marketplaceRequest(t, tc.body, false))

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Equal(t, problem.TypeValidation, decodeProblem(t, rec)["type"])
		})
	}
}

func TestMarketplaceResponsePolicy(t *testing.T) {
	testCases := []struct {
		name       string
		result     service.Result
		err        error
		wantStatus int
		wantType   string
		retryAfter bool
	}{
		{name: "duplicate", result: service.Result{Outcome: service.OutcomeDuplicate}, wantStatus: http.StatusOK},
		{
			name:       "unknown subscription",
			result:     service.Result{Outcome: service.OutcomeRejected, Reason: service.ReasonUnknownSubscription, DeadLetterID: "dl-1"},
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   problem.TypeRejectedEvent,
		},
		{
			name:       "invalid transition",
			result:     service.Result{Outcome: service.OutcomeRejected, Reason: service.ReasonInvalidTransition},
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   problem.TypeRejectedEvent,
		},
		{
			name:       "malformed",
			result:     service.Result{Outcome: service.OutcomeRejected, Reason: service.ReasonMalformed},
			wantStatus: http.StatusBadRequest,
			wantType:   problem.TypeValidation,
		},
		{
			name:       "retry exhausted",
			result:     service.Result{Outcome: service.OutcomeRejected, Reason: service.ReasonRetryExhausted},
			wantStatus: http.StatusServiceUnavailable,
			wantType:   problem.TypeUnavailable,
			retryAfter: true,
		},
		{
			name:       "store unavailable",
			err:        fmt.Errorf("%w: connection refused", service.ErrUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   problem.TypeUnavailable,
			retryAfter: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline := &mockPipeline{ingestFn: func(context.Context, service.Delivery) (service.Result, error) {
				return tc.result, tc.err
			}}
			router := newRouter(t, pipeline, Config{})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, false))

			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			if tc.wantType != "" {
				body := decodeProblem(t, rec)
				require.Equal(t, tc.wantType, body["type"])
				if tc.result.Reason != "" {
					require.Equal(t, string(tc.result.Reason), body["reason"])
				}
				if tc.result.DeadLetterID != "" {
					require.Equal(t, tc.result.DeadLetterID, body["deadLetterId"])
				}
			}
			if tc.retryAfter {
				require.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestWebhookRateLimit(t *testing.T) {
	pipeline := &mockPipeline{ingestFn: func(context.Context, service.Delivery) (service.Result, error) {
		return service.Result{Outcome: service.OutcomeDuplicate}, nil
	}}
	router := newRouter(t, pipeline, Config{RateLimit: 0.001, RateBurst: 1})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, false))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, false))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMarketplaceBodyLimit(t *testing.T) {
	router := newRouter(t, &mockPipeline{}, Config{MaxBodyBytes: 16})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, false))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func stripeRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

const stripeCreated = `{
  "id": "evt_stripe_1",
  "object": "event",
  "type": "customer.subscription.created",
  "created": 1740830400,
  "data": {
    "object": {
      "id": "sub_123",
      "object": "subscription",
      "status": "trialing",
      "trial_end": 4102444800,
      "metadata": {"tenantId": "tenant-a"},
      "items": {"data": [{"quantity": 4, "price": {"metadata": {"tier": "enterprise"}}}]}
    }
  }
}`

func TestStripeSubscriptionCreated(t *testing.T) {
	var got service.Delivery
	pipeline := &mockPipeline{ingestFn: func(_ context.Context, d service.Delivery) (service.Result, error) {
		got = d
		return service.Result{Outcome: service.OutcomeApplied, TenantID: "tenant-a"}, nil
	}}
	router := newRouter(t, pipeline, Config{StripeSecret: stripeSecret})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, stripeRequest(t, stripeSecret, stripeCreated))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "stripe", got.Source)
	require.Equal(t, "evt_stripe_1", got.Event.ID)
	require.Equal(t, "sub_123", got.Event.SubscriptionRef)
	require.Equal(t, subsvc.EventSubscribed, got.Event.Type)
	require.Equal(t, "tenant-a", got.Event.TenantID)
	require.Equal(t, catalog.TierEnterprise, got.Event.Tier)
	require.Equal(t, 4, got.Event.Quantity)
	require.NotNil(t, got.Event.TrialEndsAt)
	require.Equal(t, time.Unix(1740830400, 0).UTC(), got.Event.OccurredAt)

	var canonical service.Payload
	require.NoError(t, json.Unmarshal(got.Payload, &canonical))
	require.Equal(t, "Subscribed", canonical.Action)
}

func TestStripeAcknowledgesUntranslatableEvents(t *testing.T) {
	router := newRouter(t, &mockPipeline{}, Config{StripeSecret: stripeSecret})

	payload := `{"id":"evt_2","object":"event","type":"customer.created","created":1740830400,"data":{"object":{"id":"cus_1"}}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, stripeRequest(t, stripeSecret, payload))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"outcome":"ignored"}`, rec.Body.String())
}

func TestStripeSignatureAndConfiguration(t *testing.T) {
	router := newRouter(t, &mockPipeline{}, Config{StripeSecret: stripeSecret})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, stripeRequest(t, "whsec_wrong", stripeCreated))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(stripeCreated))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	unconfigured := newRouter(t, &mockPipeline{}, Config{})
	rec = httptest.NewRecorder()
	unconfigured.ServeHTTP(rec, stripeRequest(t, stripeSecret, stripeCreated))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeadLetterAdminEndpoints(t *testing.T) {
	id := uuid.New()
	pipeline := &mockPipeline{
		listFn: func(_ context.Context, limit, offset int) ([]service.DeadLetter, error) {
			require.Equal(t, 10, limit)
			require.Equal(t, 5, offset)
			return []service.DeadLetter{{ID: id, EventID: "evt-1", Reason: service.ReasonUnknownSubscription, Payload: json.RawMessage(`{}`), Attempts: 2}}, nil
		},
		replayFn: func(_ context.Context, got uuid.UUID) (service.Result, error) {
			if got != id {
				return service.Result{}, service.ErrDeadLetterNotFound
			}
			return service.Result{Outcome: service.OutcomeApplied, TenantID: "tenant-a"}, nil
		},
	}
	router := newRouter(t, pipeline, Config{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters?limit=10&offset=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list deadLetterList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, id.String(), list.Items[0].ID)
	require.Equal(t, 2, list.Items[0].Attempts)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/"+id.String()+"/replay", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/"+uuid.NewString()+"/replay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/not-a-uuid/replay", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterListUnavailable(t *testing.T) {
	pipeline := &mockPipeline{listFn: func(context.Context, int, int) ([]service.DeadLetter, error) {
		return nil, errors.New("connection reset")
	}}
	router := newRouter(t, pipeline, Config{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMarketplaceEndToEnd(t *testing.T) {
	subs := subsvc.New(subrepo.NewMemoryRepository(), subsvc.Config{})
	recorder := &audit.Recorder{}
	svc := service.New(subs, subsvc.NewMachine(catalog.MustDefault()), repo.NewMemoryDedupStore(), repo.NewMemoryDeadLetterStore(), keylock.NewMemory(), service.Config{
		Logger: zaptest.NewLogger(t),
		Audit:  recorder,
	})
	router := newRouter(t, svc, Config{MarketplaceSecret: marketplaceSecret})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, subscribedBody, true))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"duplicate"`)

	changes := recorder.OfType(audit.EventLifecycleChange)
	require.Len(t, changes, 1)
	require.Equal(t, requesttrace.ActorKindProvider, changes[0].Actor.ActorKind)
	require.Equal(t, "marketplace", changes[0].Actor.Source)

	orphan := `{"id":"evt-9","subscriptionId":"sub-unknown","action":"suspend"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, marketplaceRequest(t, orphan, true))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	dlID, ok := decodeProblem(t, rec)["deadLetterId"].(string)
	require.True(t, ok)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), dlID)
}
