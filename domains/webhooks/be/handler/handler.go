// Package handler exposes the webhook ingestion pipeline over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/requesttrace"
)

const (
	defaultMaxBodyBytes = 1 << 20
	retryAfterSeconds   = 5

	sourceMarketplace = "marketplace"
	sourceStripe      = "stripe"
)

// Pipeline is the slice of the webhook service used by the handlers.
type Pipeline interface {
	Ingest(ctx context.Context, d service.Delivery) (service.Result, error)
	Replay(ctx context.Context, id uuid.UUID) (service.Result, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]service.DeadLetter, error)
}

// Config holds provider secrets and ingress limits.
type Config struct {
	// MarketplaceSecret enables HMAC verification of marketplace deliveries when set.
	MarketplaceSecret string
	// StripeSecret is the Stripe endpoint signing secret; the Stripe route answers 503 without it.
	StripeSecret string
	// RateLimit is the sustained deliveries per second across providers; zero disables limiting.
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
}

// Handler serves the provider webhook endpoints and the dead-letter admin API.
type Handler struct {
	pipeline  Pipeline
	logger    *zap.Logger
	cfg       Config
	limiter   *rate.Limiter
	validator *payloadValidator
}

// New constructs a Handler.
func New(pipeline Pipeline, logger *zap.Logger, cfg Config) (*Handler, error) {
	if pipeline == nil {
		return nil, errors.New("webhook pipeline is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	validator, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if cfg.RateBurst <= 0 {
			cfg.RateBurst = int(cfg.RateLimit) + 1
		}
	}

	return &Handler{
		pipeline:  pipeline,
		logger:    logger,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.RateBurst),
		validator: validator,
	}, nil
}

// Routes mounts the provider endpoints. They authenticate by signature, not bearer token.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.With(providerTrace(sourceMarketplace)).Post("/marketplace", h.Marketplace)
		r.With(providerTrace(sourceStripe)).Post("/stripe", h.Stripe)
	})
}

// providerTrace marks the request actor as the billing provider for audit events.
func providerTrace(source string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requesttrace.IntoContext(r.Context(), requesttrace.Provider(source, chimw.GetReqID(r.Context())))
			if logger, ok := platformlogging.FromContext(ctx); ok {
				ctx = platformlogging.WithLogger(ctx, logger.With(zap.String("provider", source)))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminRoutes mounts the dead-letter endpoints; callers must enforce the admin role.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/admin/dead-letters", h.ListDeadLetters)
	r.Post("/admin/dead-letters/{id}/replay", h.ReplayDeadLetter)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			problem.Write(w, problem.New(http.StatusTooManyRequests, problem.TypeRateLimited,
				"Too many requests", "webhook ingress rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.loggerFrom(r.Context()).Warn("webhook body unreadable", zap.Error(err))
		problem.Write(w, problem.New(status, problem.TypeValidation, "Unreadable body", err.Error()))
		return nil, false
	}
	return body, true
}

// ingestResponse is the body of a successful delivery.
type ingestResponse struct {
	Outcome  string `json:"outcome"`
	TenantID string `json:"tenantId,omitempty"`
	Status   string `json:"status,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// respond maps a pipeline result onto the provider response policy: 200 once the event is
// applied or known, 400 malformed, 422 data-integrity rejection, 503 for anything retryable.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, res service.Result, err error) {
	logger := h.loggerFrom(r.Context())

	if err != nil {
		logger.Warn("webhook ingestion unavailable", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable,
			"Service unavailable", "event not applied, retry later"))
		return
	}

	switch {
	case res.Accepted():
		body := ingestResponse{Outcome: string(res.Outcome), TenantID: res.TenantID}
		if res.Transition != nil {
			body.Status = string(res.Transition.Next.Status)
			body.Version = res.Transition.Next.Version
		}
		problem.WriteJSON(w, http.StatusOK, body)
	case res.Reason.Retryable():
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		problem.Write(w, problem.New(http.StatusServiceUnavailable, problem.TypeUnavailable,
			"Service unavailable", res.Detail).With("reason", string(res.Reason)))
	case res.Reason == service.ReasonMalformed:
		problem.Write(w, problem.New(http.StatusBadRequest, problem.TypeValidation,
			"Malformed event", res.Detail).With("reason", string(res.Reason)))
	default:
		d := problem.New(http.StatusUnprocessableEntity, problem.TypeRejectedEvent, "Event rejected", res.Detail).
			With("reason", string(res.Reason))
		if res.DeadLetterID != "" {
			d = d.With("deadLetterId", res.DeadLetterID)
		}
		problem.Write(w, d)
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}

func validationProblem(detail string, fields map[string][]string) problem.Details {
	d := problem.New(http.StatusBadRequest, problem.TypeValidation, "Validation failed", detail)
	d.Errors = fields
	return d
}

func badRequest(format string, args ...any) problem.Details {
	return problem.New(http.StatusBadRequest, problem.TypeValidation, "Malformed event", fmt.Sprintf(format, args...))
}
