package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/domains/entitlements/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-entitlements/platform/go/logging"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/problem"
)

// Checker is the evaluator slice the guards need.
type Checker interface {
	CheckFeature(ctx context.Context, tenantID string, f catalog.Feature) (service.Decision, error)
	CheckQuota(ctx context.Context, tenantID string, metric catalog.Metric, delta int64) (service.Decision, error)
	CheckAccess(ctx context.Context, tenantID string, access service.Access) (service.Decision, error)
}

// Guard builds middleware that gates upstream handlers on entitlement decisions. The
// tenant comes from the verified credentials on the request context.
type Guard struct {
	checker Checker
	logger  *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(checker Checker, logger *zap.Logger) *Guard {
	if checker == nil {
		panic("entitlement checker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{checker: checker, logger: logger}
}

// RequireFeature passes requests whose tenant plan enables f.
func (g *Guard) RequireFeature(f catalog.Feature) func(http.Handler) http.Handler {
	return g.gate(func(r *http.Request, tenantID string) (service.Decision, error) {
		return g.checker.CheckFeature(r.Context(), tenantID, f)
	})
}

// RequireQuota passes requests that fit delta more units of metric. It does not consume.
func (g *Guard) RequireQuota(metric catalog.Metric, delta int64) func(http.Handler) http.Handler {
	return g.gate(func(r *http.Request, tenantID string) (service.Decision, error) {
		return g.checker.CheckQuota(r.Context(), tenantID, metric, delta)
	})
}

// RequireAccess derives read, write or create from the request method and applies the
// subscription status rules.
func (g *Guard) RequireAccess() func(http.Handler) http.Handler {
	return g.gate(func(r *http.Request, tenantID string) (service.Decision, error) {
		return g.checker.CheckAccess(r.Context(), tenantID, service.AccessForMethod(r.Method))
	})
}

func (g *Guard) gate(check func(r *http.Request, tenantID string) (service.Decision, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := platformauth.UserFromContext(r.Context())
			if !ok || creds == nil || creds.Tenant() == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				problem.Write(w, problem.New(http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", "tenant credentials required"))
				return
			}

			d, err := check(r, creds.Tenant())
			if err != nil {
				writeError(w, platformlogging.FromRequest(r, g.logger), err)
				return
			}
			if !d.Allowed {
				problem.Write(w, denialProblem(d))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
