package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.Decision("feature", true)
		m.WebhookEvent("marketplace", "applied", time.Millisecond)
		m.Transition("Subscribed", "active")
		m.DeadLetter("unknown-subscription")
		m.UsageConflict("apiCallsThisPeriod")
		m.CacheLookup(true)
	})

	h := m.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.Decision("quota", false)
	m.Decision("quota", false)
	m.Decision("feature", true)
	m.CacheLookup(false)

	require.InDelta(t, 2, testutil.ToFloat64(m.decisions.WithLabelValues("quota", "denied")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.decisions.WithLabelValues("feature", "allowed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")), 0)
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/usage/{metric}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	for _, metric := range []string{"apiCallsThisPeriod", "documentLibraries"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage/"+metric, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	require.InDelta(t, 2, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/usage/{metric}", "204")), 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "entitlements_http_requests_total")
}
