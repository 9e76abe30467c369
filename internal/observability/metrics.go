package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	providerDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics (ops endpoints)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application metrics
	ApplicationsCreatedTotal *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	TransitionRejectsTotal   *prometheus.CounterVec
	TransitionDuration       *prometheus.HistogramVec
	StaleConflictsTotal      *prometheus.CounterVec
	AnswerUpdatesTotal       *prometheus.CounterVec

	// Data provider metrics
	ProviderCallsTotal          *prometheus.CounterVec
	ProviderCallDuration        *prometheus.HistogramVec
	ProviderCircuitBreakerState *prometheus.GaugeVec

	// Lifecycle metrics
	PruneRunsTotal    *prometheus.CounterVec
	PrunedTotal       *prometheus.CounterVec
	PruneSkippedTotal *prometheus.CounterVec

	// System metrics
	TemplatesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casework_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Applications
		ApplicationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_applications_created_total",
			Help: "Total number of applications created.",
		}, []string{"type_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_transitions_total",
			Help: "Total number of successful state transitions.",
		}, []string{"type_id", "from_state", "event", "to_state"}),
		TransitionRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_transition_rejects_total",
			Help: "Total number of rejected transitions by error code.",
		}, []string{"type_id", "event", "code"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casework_transition_duration_seconds",
			Help:    "Duration of ApplyEvent including exit and entry actions.",
			Buckets: providerDurationBuckets,
		}, []string{"type_id"}),
		StaleConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_stale_conflicts_total",
			Help: "Total number of saves rejected by the version check.",
		}, []string{"type_id"}),
		AnswerUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_answer_updates_total",
			Help: "Total number of answer updates by outcome.",
		}, []string{"type_id", "status"}),

		// Data providers
		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_provider_calls_total",
			Help: "Total number of data provider calls by outcome.",
		}, []string{"provider_id", "status"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casework_provider_call_duration_seconds",
			Help:    "Data provider call duration in seconds.",
			Buckets: providerDurationBuckets,
		}, []string{"provider_id"}),
		ProviderCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "casework_provider_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"provider_id"}),

		// Lifecycle
		PruneRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_prune_runs_total",
			Help: "Total number of pruning scans.",
		}, []string{"status"}),
		PrunedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_pruned_applications_total",
			Help: "Total number of applications pruned.",
		}, []string{"type_id", "state"}),
		PruneSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casework_prune_skipped_total",
			Help: "Total number of prune candidates skipped because they changed concurrently.",
		}, []string{"type_id"}),

		// System
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casework_templates_loaded",
			Help: "Number of registered application templates.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ApplicationsCreatedTotal,
		m.TransitionsTotal,
		m.TransitionRejectsTotal,
		m.TransitionDuration,
		m.StaleConflictsTotal,
		m.AnswerUpdatesTotal,
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ProviderCircuitBreakerState,
		m.PruneRunsTotal,
		m.PrunedTotal,
		m.PruneSkippedTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordApplicationCreated records a new application.
func (m *Metrics) RecordApplicationCreated(typeID string) {
	if m == nil {
		return
	}
	m.ApplicationsCreatedTotal.WithLabelValues(typeID).Inc()
}

// RecordTransition records a successful transition.
func (m *Metrics) RecordTransition(typeID, from, event, to string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(typeID, from, event, to).Inc()
	m.TransitionDuration.WithLabelValues(typeID).Observe(duration.Seconds())
}

// RecordTransitionReject records a rejected transition.
func (m *Metrics) RecordTransitionReject(typeID, event, code string) {
	if m == nil {
		return
	}
	m.TransitionRejectsTotal.WithLabelValues(typeID, event, code).Inc()
}

// RecordStaleConflict records a version conflict on save.
func (m *Metrics) RecordStaleConflict(typeID string) {
	if m == nil {
		return
	}
	m.StaleConflictsTotal.WithLabelValues(typeID).Inc()
}

// RecordAnswerUpdate records an answers patch outcome.
func (m *Metrics) RecordAnswerUpdate(typeID, status string) {
	if m == nil {
		return
	}
	m.AnswerUpdatesTotal.WithLabelValues(typeID, status).Inc()
}

// RecordProviderCall records one data provider call.
func (m *Metrics) RecordProviderCall(providerID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(providerID, status).Inc()
	m.ProviderCallDuration.WithLabelValues(providerID).Observe(duration.Seconds())
}

// SetProviderCircuitBreakerState sets the breaker state gauge for a provider.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetProviderCircuitBreakerState(providerID string, state float64) {
	if m == nil {
		return
	}
	m.ProviderCircuitBreakerState.WithLabelValues(providerID).Set(state)
}

// RecordPruneRun records a completed pruning scan.
func (m *Metrics) RecordPruneRun(status string) {
	if m == nil {
		return
	}
	m.PruneRunsTotal.WithLabelValues(status).Inc()
}

// RecordPruned records a pruned application.
func (m *Metrics) RecordPruned(typeID, state string) {
	if m == nil {
		return
	}
	m.PrunedTotal.WithLabelValues(typeID, state).Inc()
}

// RecordPruneSkipped records a prune candidate that lost its version race.
func (m *Metrics) RecordPruneSkipped(typeID string) {
	if m == nil {
		return
	}
	m.PruneSkippedTotal.WithLabelValues(typeID).Inc()
}

// SetTemplatesLoaded sets the number of registered templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
