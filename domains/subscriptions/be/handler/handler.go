package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service is the read side of the subscription service.
type Service interface {
	Effective(ctx context.Context, tenantID string) (service.View, error)
	List(ctx context.Context, opts service.ListOptions) ([]service.Subscription, error)
	Now() time.Time
}

// Handler serves subscription reads for tenants and operators.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("subscription service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the tenant endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/subscription", h.GetOwn)
}

// AdminRoutes mounts the operator endpoints; callers must enforce the admin role.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/admin/subscriptions", h.List)
	r.Get("/admin/subscriptions/{tenantId}", h.Get)
}

type subscriptionResponse struct {
	TenantID          string     `json:"tenantId"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	EffectiveStatus   string     `json:"effectiveStatus"`
	Quantity          int        `json:"quantity"`
	TrialEndsAt       *time.Time `json:"trialEndsAt,omitempty"`
	GracePeriodEndsAt *time.Time `json:"gracePeriodEndsAt,omitempty"`
	ExternalRef       string     `json:"externalRef,omitempty"`
	Version           int64      `json:"version"`
	LastEventID       string     `json:"lastEventId,omitempty"`
	CatalogVersion    string     `json:"catalogVersion,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type subscriptionList struct {
	Items  []subscriptionResponse `json:"items"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// GetOwn returns the caller tenant's subscription. The external reference stays internal.
func (h *Handler) GetOwn(w http.ResponseWriter, r *http.Request) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", "authentication required"))
		return
	}
	tenantID := creds.Tenant()
	if tenantID == "" {
		problem.Write(w, problem.New(http.StatusForbidden, problem.TypeForbidden, "Forbidden", "credentials carry no tenant"))
		return
	}

	view, err := h.svc.Effective(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := toResponse(view)
	resp.ExternalRef = ""
	problem.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Effective(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toResponse(view))
}

// List pages through subscriptions, optionally filtered by stored status.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	opts := service.ListOptions{Limit: defaultPageSize}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxPageSize {
			problem.Write(w, validation("limit", "must be between 1 and 500"))
			return
		}
		opts.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			problem.Write(w, validation("offset", "must be zero or positive"))
			return
		}
		opts.Offset = offset
	}
	if raw := q.Get("status"); raw != "" {
		status, err := service.ParseStatus(raw)
		if err != nil {
			problem.Write(w, validation("status", err.Error()))
			return
		}
		opts.Status = &status
	}

	subs, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.svc.Now()
	out := subscriptionList{Items: make([]subscriptionResponse, 0, len(subs)), Limit: opts.Limit, Offset: opts.Offset}
	for _, sub := range subs {
		out.Items = append(out.Items, toResponse(service.View{Subscription: sub, EffectiveStatus: service.EffectiveStatus(sub, now)}))
	}
	problem.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := platformlogging.FromRequest(r, h.logger)

	switch {
	case errors.Is(err, service.ErrNotFound):
		problem.Write(w, problem.New(http.StatusNotFound, problem.TypeNotFound, "Subscription not found", "tenant has no subscription record"))
	case errors.Is(err, service.ErrUnavailable):
		logger.Warn("subscription store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "2")
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Service unavailable", "subscription store unavailable"))
	default:
		logger.Error("subscription read failed", zap.Error(err))
		problem.Write(w, problem.New(http.StatusInternalServerError, problem.TypeInternal, "Internal server error", "unexpected error"))
	}
}

func toResponse(v service.View) subscriptionResponse {
	return subscriptionResponse{
		TenantID:          v.TenantID,
		Tier:              string(v.Tier),
		Status:            string(v.Status),
		EffectiveStatus:   string(v.EffectiveStatus),
		Quantity:          v.Quantity,
		TrialEndsAt:       v.TrialEndsAt,
		GracePeriodEndsAt: v.GracePeriodEndsAt,
		ExternalRef:       v.ExternalRef,
		Version:           v.Version,
		LastEventID:       v.LastEventID,
		CatalogVersion:    v.CatalogVersion,
		CreatedAt:         v.CreatedAt,
		UpdatedAt:         v.UpdatedAt,
	}
}

func validation(field, msg string) problem.Details {
	d := problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "invalid query parameters")
	d.Errors = map[string][]string{field: {msg}}
	return d
}
