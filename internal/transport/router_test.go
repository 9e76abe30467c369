package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/internal/observability"
)

type fakeChecker struct{ err error }

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

func testDeps(t *testing.T) Dependencies {
	reg := prometheus.NewRegistry()
	return Dependencies{
		Config:   config.Defaults(),
		Logger:   zaptest.NewLogger(t),
		Metrics:  observability.InitMetrics(reg),
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded:  func() bool { return true },
			ApplicationStore: fakeChecker{},
		},
	}
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter_health(t *testing.T) {
	w := serve(NewRouter(testDeps(t)), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, w.Code)
	var body observability.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, w.Header().Get(CorrelationIDHeader))
}

func TestNewRouter_ready(t *testing.T) {
	w := serve(NewRouter(testDeps(t)), http.MethodGet, "/readyz")

	require.Equal(t, http.StatusOK, w.Code)
	var body observability.ReadinessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Contains(t, body.Checks, "templates")
	assert.Contains(t, body.Checks, "application_store")
}

func TestNewRouter_notReadyWhenStoreFails(t *testing.T) {
	deps := testDeps(t)
	deps.Readiness.ApplicationStore = fakeChecker{err: errors.New("connection refused")}

	w := serve(NewRouter(deps), http.MethodGet, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body observability.ReadinessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "connection refused", body.Checks["application_store"].Error)
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps(t))
	serve(r, http.MethodGet, "/healthz")

	w := serve(r, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "casework_http_requests_total")
	assert.Contains(t, w.Body.String(), `path_pattern="/healthz"`)
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps(t)
	deps.Config.Observability.Metrics.Enabled = false

	w := serve(NewRouter(deps), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewRouter_customMetricsPath(t *testing.T) {
	deps := testDeps(t)
	deps.Config.Observability.Metrics.Path = "/internal/metrics"

	r := NewRouter(deps)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/internal/metrics").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/metrics").Code)
}

func TestNewRouter_unknownRoute(t *testing.T) {
	w := serve(NewRouter(testDeps(t)), http.MethodGet, "/applications")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecovery_catchesPanic(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := serve(h, http.MethodGet, "/")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestRecovery_passesThrough(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodGet, "/").Code)
}

func TestRequestID_generated(t *testing.T) {
	var seen string
	h := RequestID(zap.NewNop())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	w := serve(h, http.MethodGet, "/")

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(CorrelationIDHeader))
}

func TestRequestID_propagated(t *testing.T) {
	var seen string
	h := RequestID(zap.NewNop())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "corr-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "corr-123", seen)
	assert.Equal(t, "corr-123", w.Header().Get(CorrelationIDHeader))
}

func TestRequestID_storesLogger(t *testing.T) {
	fallback := zap.NewNop()
	var got *zap.Logger
	h := RequestID(zaptest.NewLogger(t))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = observability.LoggerFrom(r.Context(), fallback)
	}))

	serve(h, http.MethodGet, "/")

	require.NotNil(t, got)
	assert.NotSame(t, fallback, got)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := serve(h, http.MethodGet, "/")

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		assert.Equal(t, want, w.Header().Get(header), header)
	}
}

func TestStatusWriter_firstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusTeapot, sw.status)
}
