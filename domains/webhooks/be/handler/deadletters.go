package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

type deadLetterResponse struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	EventID         string          `json:"eventId"`
	SubscriptionRef string          `json:"subscriptionId"`
	EventType       string          `json:"eventType"`
	Reason          string          `json:"reason"`
	Detail          string          `json:"detail,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastAttemptAt   time.Time       `json:"lastAttemptAt"`
}

type deadLetterList struct {
	Items  []deadLetterResponse `json:"items"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// ListDeadLetters handles GET /admin/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 500 {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "limit must be between 1 and 500"))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "offset must not be negative"))
		return
	}

	items, err := h.pipeline.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		h.writeDeadLetterError(w, r, err)
		return
	}

	out := deadLetterList{Items: make([]deadLetterResponse, 0, len(items)), Limit: limit, Offset: offset}
	for _, dl := range items {
		out.Items = append(out.Items, toDeadLetterResponse(dl))
	}
	problem.WriteJSON(w, http.StatusOK, out)
}

// ReplayDeadLetter handles POST /admin/dead-letters/{id}/replay.
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", "id must be a UUID"))
		return
	}

	res, err := h.pipeline.Replay(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrDeadLetterNotFound), errors.Is(err, service.ErrUnavailable), errors.Is(err, service.ErrDeadLettersDisabled):
		h.writeDeadLetterError(w, r, err)
		return
	case err != nil:
		h.loggerFrom(r.Context()).Error("dead letter replay failed", zap.String("dead_letter_id", id.String()), zap.Error(err))
		problem.Write(w, problem.New(http.StatusUnprocessableEntity, problem.TypeRejectedEvent, "Replay failed", err.Error()))
		return
	}

	h.loggerFrom(r.Context()).Info("dead letter replayed",
		zap.String("dead_letter_id", id.String()),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", string(res.Reason)),
	)
	h.respond(w, r, res, nil)
}

func (h *Handler) writeDeadLetterError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.loggerFrom(r.Context())
	switch {
	case errors.Is(err, service.ErrDeadLetterNotFound):
		logger.Info("dead letter not found", zap.Error(err))
		problem.Write(w, problem.New(http.StatusNotFound, problem.TypeNotFound, "Resource not found", "dead letter not found"))
	case errors.Is(err, service.ErrDeadLettersDisabled):
		logger.Warn("dead letter store disabled", zap.Error(err))
		problem.Write(w, problem.New(http.StatusNotFound, problem.TypeNotFound, "Resource not found", err.Error()))
	default:
		logger.Error("dead letter operation failed", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable, "Service unavailable", "dead-letter store unavailable"))
	}
}

func toDeadLetterResponse(dl service.DeadLetter) deadLetterResponse {
	return deadLetterResponse{
		ID:              dl.ID.String(),
		Source:          dl.Source,
		EventID:         dl.EventID,
		SubscriptionRef: dl.SubscriptionRef,
		EventType:       dl.EventType,
		Reason:          string(dl.Reason),
		Detail:          dl.Detail,
		Payload:         dl.Payload,
		Attempts:        dl.Attempts,
		CreatedAt:       dl.CreatedAt,
		LastAttemptAt:   dl.LastAttemptAt,
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
