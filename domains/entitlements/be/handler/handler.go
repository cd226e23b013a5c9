// Package handler exposes the entitlement evaluator to tenants over HTTP and as guard
// middleware for upstream services.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/entitlements/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	usagesvc "github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

const (
	maxBodyBytes      = 4 << 10
	retryAfterSeconds = 2
)

// Evaluator is the slice of the entitlement service used over HTTP.
type Evaluator interface {
	CheckFeature(ctx context.Context, tenantID string, f catalog.Feature) (service.Decision, error)
	CheckQuota(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (service.Decision, error)
	CheckAccess(ctx context.Context, tenantID string, access service.Access) (service.Decision, error)
	Consume(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (service.Decision, error)
	Release(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (usagesvc.Counter, error)
	Snapshot(ctx context.Context, tenantID string) (service.Snapshot, error)
}

// Handler serves the tenant-facing entitlement API.
type Handler struct {
	eval   Evaluator
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(eval Evaluator, logger *zap.Logger) *Handler {
	if eval == nil {
		panic("entitlement evaluator is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{eval: eval, logger: logger}
}

// Routes mounts the tenant endpoints. Callers must authenticate the request first.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/entitlements", h.GetSnapshot)
	r.Get("/entitlements/features/{feature}", h.CheckFeature)
	r.Post("/entitlements/quotas/{metric}/check", h.CheckQuota)
	r.Post("/usage/{metric}/consume", h.Consume)
	r.Post("/usage/{metric}/release", h.Release)
}

type quotaRequest struct {
	Delta *int64 `json:"delta,omitempty"`
}

type decisionResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	TenantID     string `json:"tenantId"`
	Status       string `json:"status"`
	Tier         string `json:"tier"`
	Feature      string `json:"feature,omitempty"`
	RequiredTier string `json:"requiredTier,omitempty"`
	Metric       string `json:"metric,omitempty"`
	Current      *int64 `json:"current,omitempty"`
	Delta        *int64 `json:"delta,omitempty"`
	Limit        *int64 `json:"limit,omitempty"`
}

type counterResponse struct {
	Metric string `json:"metric"`
	Value  int64  `json:"value"`
}

type quotaResponse struct {
	Metric    string `json:"metric"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

type snapshotResponse struct {
	TenantID          string          `json:"tenantId"`
	Status            string          `json:"status"`
	Tier              string          `json:"tier"`
	Quantity          int             `json:"quantity"`
	Subscribed        bool            `json:"subscribed"`
	TrialEndsAt       *time.Time      `json:"trialEndsAt,omitempty"`
	GracePeriodEndsAt *time.Time      `json:"gracePeriodEndsAt,omitempty"`
	CatalogVersion    string          `json:"catalogVersion"`
	Access            map[string]bool `json:"access"`
	Features          map[string]bool `json:"features"`
	Quotas            []quotaResponse `json:"quotas"`
	EvaluatedAt       time.Time       `json:"evaluatedAt"`
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	snap, err := h.eval.Snapshot(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	d, err := h.eval.CheckFeature(r.Context(), tenantID, catalog.Feature(chi.URLParam(r, "feature")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toDecisionResponse(d))
}

// CheckQuota answers whether delta more units fit; it reserves nothing. The body is
// optional and delta defaults to 1.
func (h *Handler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	delta, ok := h.delta(w, r)
	if !ok {
		return
	}

	d, err := h.eval.CheckQuota(r.Context(), tenantID, catalog.Metric(chi.URLParam(r, "metric")), delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toDecisionResponse(d))
}

// Consume reserves delta units and answers 403 when the reservation is refused.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	delta, ok := h.delta(w, r)
	if !ok {
		return
	}

	d, err := h.eval.Consume(r.Context(), tenantID, catalog.Metric(chi.URLParam(r, "metric")), delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !d.Allowed {
		problem.Write(w, denialProblem(d))
		return
	}
	problem.WriteJSON(w, http.StatusOK, toDecisionResponse(d))
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	delta, ok := h.delta(w, r)
	if !ok {
		return
	}

	counter, err := h.eval.Release(r.Context(), tenantID, catalog.Metric(chi.URLParam(r, "metric")), delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, counterResponse{Metric: string(counter.Metric), Value: counter.Value})
}

// tenant resolves the caller tenant from the verified credentials.
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
		problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", "authentication required"))
		return "", false
	}
	tenantID := creds.Tenant()
	if tenantID == "" {
		problem.Write(w, problem.New(http.StatusForbidden, problem.TypeForbidden, "Forbidden", "credentials carry no tenant"))
		return "", false
	}
	return tenantID, true
}

func (h *Handler) delta(w http.ResponseWriter, r *http.Request) (int64, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Invalid request body", err.Error()))
		return 0, false
	}
	if len(body) == 0 {
		return 1, true
	}

	var req quotaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Invalid request body", err.Error()))
		return 0, false
	}
	if req.Delta == nil {
		return 1, true
	}
	return *req.Delta, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, platformlogging.FromRequest(r, h.logger), err)
}

// writeError maps evaluator errors onto problem documents.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownFeature), errors.Is(err, service.ErrUnknownMetric):
		problem.Write(w, problem.New(http.StatusNotFound, problem.TypeNotFound, "Not found", err.Error()))
	case errors.Is(err, service.ErrInvalidDelta):
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", err.Error()))
	case errors.Is(err, service.ErrMissingTenant):
		problem.Write(w, problem.New(http.StatusForbidden, problem.TypeForbidden, "Forbidden", err.Error()))
	case errors.Is(err, service.ErrUnavailable):
		logger.Warn("entitlement check unavailable", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Service unavailable", "entitlements could not be evaluated, retry later"))
	default:
		logger.Error("entitlement check failed", zap.Error(err))
		problem.Write(w, problem.New(http.StatusInternalServerError, problem.TypeInternal, "Internal server error", "unexpected error"))
	}
}

// denialProblem renders a denied decision as a 403 document carrying the decision fields.
func denialProblem(d service.Decision) problem.Details {
	problemType, title := problem.TypeEntitlement, "Entitlement denied"
	if d.Reason == service.ReasonQuotaExceeded {
		problemType, title = problem.TypeQuotaExceeded, "Quota exceeded"
	}

	p := problem.New(http.StatusForbidden, problemType, title, denialDetail(d)).
		With("reason", string(d.Reason)).
		With("tenantId", d.TenantID).
		With("status", string(d.Status)).
		With("tier", string(d.Tier))

	switch {
	case d.Feature != "":
		p = p.With("feature", string(d.Feature))
		if d.RequiredTier != "" {
			p = p.With("requiredTier", string(d.RequiredTier))
		}
	case d.Metric != "":
		p = p.With("metric", string(d.Metric)).
			With("current", d.Current).
			With("delta", d.Delta).
			With("limit", d.Limit)
	case d.Access != "":
		p = p.With("access", string(d.Access))
	}
	return p
}

func denialDetail(d service.Decision) string {
	switch d.Reason {
	case service.ReasonSubscriptionInactive:
		return "subscription is " + string(d.Status)
	case service.ReasonGracePeriod:
		return "subscription is in its grace period"
	case service.ReasonFeatureNotInPlan:
		return "feature " + string(d.Feature) + " is not included in the " + string(d.Tier) + " plan"
	case service.ReasonQuotaExceeded:
		return "usage of " + string(d.Metric) + " would exceed the plan limit"
	default:
		return string(d.Reason)
	}
}

func toDecisionResponse(d service.Decision) decisionResponse {
	out := decisionResponse{
		Allowed:      d.Allowed,
		Reason:       string(d.Reason),
		TenantID:     d.TenantID,
		Status:       string(d.Status),
		Tier:         string(d.Tier),
		Feature:      string(d.Feature),
		RequiredTier: string(d.RequiredTier),
		Metric:       string(d.Metric),
	}
	if d.Metric != "" {
		current, delta, limit := d.Current, d.Delta, d.Limit
		out.Current, out.Delta, out.Limit = &current, &delta, &limit
	}
	return out
}

func toSnapshotResponse(s service.Snapshot) snapshotResponse {
	out := snapshotResponse{
		TenantID:          s.TenantID,
		Status:            string(s.Status),
		Tier:              string(s.Tier),
		Quantity:          s.Quantity,
		Subscribed:        s.Subscribed,
		TrialEndsAt:       s.TrialEndsAt,
		GracePeriodEndsAt: s.GracePeriodEndsAt,
		CatalogVersion:    s.CatalogVersion,
		Access:            make(map[string]bool, len(s.Access)),
		Features:          make(map[string]bool, len(s.Features)),
		Quotas:            make([]quotaResponse, 0, len(s.Quotas)),
		EvaluatedAt:       s.EvaluatedAt,
	}
	for a, ok := range s.Access {
		out.Access[string(a)] = ok
	}
	for f, ok := range s.Features {
		out.Features[string(f)] = ok
	}
	for _, q := range s.Quotas {
		out.Quotas = append(out.Quotas, quotaResponse{Metric: string(q.Metric), Used: q.Used, Limit: q.Limit, Remaining: q.Remaining})
	}
	return out
}
