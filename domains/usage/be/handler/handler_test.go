package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/repo"
	"github.com/zenGate-Global/palmyra-entitlements/domains/usage/be/service"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/audit"
	platformauth "github.com/zenGate-Global/palmyra-entitlements/platform/go/auth"
	"github.com/zenGate-Global/palmyra-entitlements/platform/go/requesttrace"
)

type mockService struct {
	listFn  func(ctx context.Context, tenantID string) ([]service.Counter, error)
	resetFn func(ctx context.Context, tenantID string, metric catalog.Metric, period service.Period) (service.Counter, error)
}

func (m *mockService) List(ctx context.Context, tenantID string) ([]service.Counter, error) {
	if m.listFn == nil {
		panic("listFn not configured")
	}
	return m.listFn(ctx, tenantID)
}

func (m *mockService) Reset(ctx context.Context, tenantID string, metric catalog.Metric, period service.Period) (service.Counter, error) {
	if m.resetFn == nil {
		panic("resetFn not configured")
	}
	return m.resetFn(ctx, tenantID, metric, period)
}

func newRouter(t *testing.T, svc Service, rec *audit.Recorder) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(svc, catalog.MustDefault(), rec, zaptest.NewLogger(t)).AdminRoutes(r)
	return r
}

func TestResetZeroesCounterAndAudits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := service.New(repo.NewMemoryRepository(), service.Config{})
	_, err := svc.TryIncrement(ctx, "t1", catalog.MetricAPICalls, 900, 1000)
	require.NoError(t, err)

	recorder := &audit.Recorder{}
	router := newRouter(t, svc, recorder)

	body := `{"periodStart":"2025-03-01T00:00:00Z","periodEnd":"2025-04-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/usage/t1/apiCallsThisPeriod/reset", strings.NewReader(body))
	admin := "ops-1"
	req = req.WithContext(requesttrace.IntoContext(
		platformauth.WithUser(req.Context(), &platformauth.UserCredentials{Id: admin, IsAdmin: true}),
		requesttrace.AuditInfo{ActorKind: requesttrace.ActorKindUser, UserID: &admin, Role: platformauth.RoleAdmin},
	))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var out counterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Zero(t, out.Value)
	require.EqualValues(t, 2, out.Version)
	require.NotNil(t, out.PeriodStart)
	require.True(t, out.PeriodStart.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))

	events := recorder.OfType(audit.EventUsageReset)
	require.Len(t, events, 1)
	require.Equal(t, "t1", events[0].TenantID)
	require.Equal(t, "apiCallsThisPeriod", events[0].Subject)
	require.Equal(t, requesttrace.ActorKindUser, events[0].Actor.ActorKind)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/usage/t1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list counterList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Zero(t, list.Items[0].Value)
}

func TestResetValidation(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	router := newRouter(t, svc, &audit.Recorder{})

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "unknown metric", path: "/admin/usage/t1/storageBytes/reset", status: http.StatusNotFound},
		{name: "bad json", path: "/admin/usage/t1/apiCallsThisPeriod/reset", body: `{`, status: http.StatusBadRequest},
		{name: "inverted period", path: "/admin/usage/t1/apiCallsThisPeriod/reset", body: `{"periodStart":"2025-04-01T00:00:00Z","periodEnd":"2025-03-01T00:00:00Z"}`, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
			require.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestResetUnavailable(t *testing.T) {
	t.Parallel()

	recorder := &audit.Recorder{}
	svc := &mockService{
		resetFn: func(context.Context, string, catalog.Metric, service.Period) (service.Counter, error) {
			return service.Counter{}, fmt.Errorf("%w: connection reset", service.ErrUnavailable)
		},
	}

	rr := httptest.NewRecorder()
	newRouter(t, svc, recorder).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/usage/t1/documentLibraries/reset", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Empty(t, recorder.Events())
}
