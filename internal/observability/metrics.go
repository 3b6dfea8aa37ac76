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
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Operation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metric instruments of the workflow service.
type Metrics struct {
	// HTTP metrics (ops listener)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	OperationsTotal       *prometheus.CounterVec
	OperationDuration     *prometheus.HistogramVec
	RejectionsTotal       *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec
	InstancesCreatedTotal *prometheus.CounterVec
	AuditEventsTotal      *prometheus.CounterVec
	ConflictRetriesTotal  *prometheus.CounterVec
	RetryExhaustedTotal   *prometheus.CounterVec

	// Intake metrics
	IntakeSubmissionsTotal *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter

	// Cache metrics
	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_operations_total",
			Help: "Total number of engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds, retries included.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_rejections_total",
			Help: "Total number of rejected operations by reason.",
		}, []string{"operation", "reason"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Total number of committed phase transitions.",
		}, []string{"type_id", "from_phase", "to_phase"}),
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_instances_created_total",
			Help: "Total number of created process instances.",
		}, []string{"type_id", "origin"}),
		AuditEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_audit_events_total",
			Help: "Total number of committed audit events.",
		}, []string{"kind"}),
		ConflictRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_conflict_retries_total",
			Help: "Total number of operation retries after a write conflict.",
		}, []string{"operation"}),
		RetryExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_retry_exhausted_total",
			Help: "Total number of operations that ran out of conflict retries.",
		}, []string{"operation"}),

		// Intake
		IntakeSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_intake_submissions_total",
			Help: "Total number of external form submissions by outcome.",
		}, []string{"type_id", "outcome"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_idempotent_replays_total",
			Help: "Total number of submissions answered from the idempotency store.",
		}),

		// Cache
		DirectoryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_directory_cache_hits_total",
			Help: "Total user directory cache hits.",
		}),
		DirectoryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_directory_cache_misses_total",
			Help: "Total user directory cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_definitions_loaded",
			Help: "Number of loaded process types.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Engine
		m.OperationsTotal,
		m.OperationDuration,
		m.RejectionsTotal,
		m.TransitionsTotal,
		m.InstancesCreatedTotal,
		m.AuditEventsTotal,
		m.ConflictRetriesTotal,
		m.RetryExhaustedTotal,
		// Intake
		m.IntakeSubmissionsTotal,
		m.IdempotentReplaysTotal,
		// Cache
		m.DirectoryCacheHitsTotal,
		m.DirectoryCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe on a nil *Metrics so components can run without a
// registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordOperation records the outcome and duration of an engine operation.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection records a rejected operation.
func (m *Metrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(operation, reason).Inc()
}

// RecordTransition records a committed phase transition.
func (m *Metrics) RecordTransition(typeID, fromPhase, toPhase string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(typeID, fromPhase, toPhase).Inc()
}

// RecordInstanceCreated records a created instance.
func (m *Metrics) RecordInstanceCreated(typeID, origin string) {
	if m == nil {
		return
	}
	m.InstancesCreatedTotal.WithLabelValues(typeID, origin).Inc()
}

// RecordAuditEvent records a committed audit event.
func (m *Metrics) RecordAuditEvent(kind string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(kind).Inc()
}

// RecordConflictRetry records a retry after a write conflict.
func (m *Metrics) RecordConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordRetryExhausted records an operation that ran out of retries.
func (m *Metrics) RecordRetryExhausted(operation string) {
	if m == nil {
		return
	}
	m.RetryExhaustedTotal.WithLabelValues(operation).Inc()
}

// RecordIntakeSubmission records an external form submission.
func (m *Metrics) RecordIntakeSubmission(typeID, outcome string) {
	if m == nil {
		return
	}
	m.IntakeSubmissionsTotal.WithLabelValues(typeID, outcome).Inc()
}

// RecordIdempotentReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordDirectoryCacheHit records a directory cache hit.
func (m *Metrics) RecordDirectoryCacheHit() {
	if m == nil {
		return
	}
	m.DirectoryCacheHitsTotal.Inc()
}

// RecordDirectoryCacheMiss records a directory cache miss.
func (m *Metrics) RecordDirectoryCacheMiss() {
	if m == nil {
		return
	}
	m.DirectoryCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded process types.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

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
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
