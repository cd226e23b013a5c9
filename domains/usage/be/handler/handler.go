// Package handler exposes operator controls over usage counters.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

const maxBodyBytes = 4 << 10

// Service is the usage service slice used by the admin API.
type Service interface {
	List(ctx context.Context, tenantID string) ([]service.Counter, error)
	Reset(ctx context.Context, tenantID string, metric catalog.Metric, period service.Period) (service.Counter, error)
}

// Handler serves the usage admin endpoints.
type Handler struct {
	svc     Service
	catalog *catalog.Catalog
	audit   audit.Emitter
	logger  *zap.Logger
}

// New constructs a Handler instance. A nil emitter discards audit events.
func New(svc Service, c *catalog.Catalog, emitter audit.Emitter, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("usage service is required")
	}
	if c == nil {
		panic("plan catalog is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}

	return &Handler{svc: svc, catalog: c, audit: emitter, logger: logger}
}

// AdminRoutes mounts the operator endpoints; callers must enforce the admin role.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/admin/usage/{tenantId}", h.List)
	r.Post("/admin/usage/{tenantId}/{metric}/reset", h.Reset)
}

type resetRequest struct {
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
}

type counterResponse struct {
	TenantID    string     `json:"tenantId"`
	Metric      string     `json:"metric"`
	Value       int64      `json:"value"`
	PeriodStart *time.Time `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time `json:"periodEnd,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type counterList struct {
	Items []counterResponse `json:"items"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	counters, err := h.svc.List(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := counterList{Items: make([]counterResponse, 0, len(counters))}
	for _, c := range counters {
		out.Items = append(out.Items, toResponse(c))
	}
	problem.WriteJSON(w, http.StatusOK, out)
}

// Reset zeroes one counter and opens the given period. The body is optional.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	metric := catalog.Metric(chi.URLParam(r, "metric"))
	if !h.knownMetric(metric) {
		problem.Write(w, problem.New(http.StatusNotFound, problem.TypeNotFound, "Unknown metric", "metric "+string(metric)+" is not defined by the plan catalog"))
		return
	}

	var req resetRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Invalid request body", err.Error()))
		return
	}
	if req.PeriodStart != nil && req.PeriodEnd != nil && !req.PeriodEnd.After(*req.PeriodStart) {
		d := problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "invalid period")
		d.Errors = map[string][]string{"periodEnd": {"must be after periodStart"}}
		problem.Write(w, d)
		return
	}

	counter, err := h.svc.Reset(r.Context(), tenantID, metric, service.Period{Start: req.PeriodStart, End: req.PeriodEnd})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.audit.Emit(r.Context(), audit.Event{
		Type:     audit.EventUsageReset,
		TenantID: tenantID,
		Subject:  string(metric),
		Detail:   map[string]any{"version": counter.Version},
	})
	problem.WriteJSON(w, http.StatusOK, toResponse(counter))
}

func (h *Handler) knownMetric(m catalog.Metric) bool {
	for _, known := range h.catalog.Metrics() {
		if known == m {
			return true
		}
	}
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := platformlogging.FromRequest(r, h.logger)

	if errors.Is(err, service.ErrUnavailable) {
		logger.Warn("usage store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "2")
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Service unavailable", "usage store unavailable"))
		return
	}
	logger.Error("usage admin request failed", zap.Error(err))
	problem.Write(w, problem.New(http.StatusInternalServerError, problem.TypeInternal, "Internal server error", "unexpected error"))
}

func toResponse(c service.Counter) counterResponse {
	return counterResponse{
		TenantID:    c.TenantID,
		Metric:      string(c.Metric),
		Value:       c.Value,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		Version:     c.Version,
		UpdatedAt:   c.UpdatedAt,
	}
}
