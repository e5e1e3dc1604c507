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
	decisionDurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}
	storeDurationBuckets    = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	jobDurationBuckets      = []float64{1, 4, 12, 24, 48, 72, 120, 168, 336}
)

// Metrics holds all Prometheus metric instruments of the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration prometheus.Histogram
	RuleFailuresTotal  *prometheus.CounterVec

	// Assignment metrics
	AssignmentsCreatedTotal   *prometheus.CounterVec
	AssignmentOperationsTotal *prometheus.CounterVec
	AssignmentDuplicatesTotal *prometheus.CounterVec
	AssignmentCompletionHours *prometheus.HistogramVec
	AssignmentsCompletedTotal *prometheus.CounterVec
	SLABreachedActive         prometheus.Gauge
	RepositoryDuration        *prometheus.HistogramVec

	// Strategy metrics
	StrategySelectionsTotal *prometheus.CounterVec
	StrategyFallbacksTotal  *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec

	// System metrics
	DefinitionLoadTotal *prometheus.CounterVec
	WorkflowsLoaded     prometheus.Gauge
	RulesRegistered     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_transitions_total",
			Help: "Total number of transition decisions by outcome.",
		}, []string{"from", "to", "reason"}),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certflow_transition_duration_seconds",
			Help:    "Time spent deciding a transition.",
			Buckets: decisionDurationBuckets,
		}),
		RuleFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_rule_failures_total",
			Help: "Total number of failed business rule evaluations.",
		}, []string{"rule"}),

		// Assignments
		AssignmentsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_assignments_created_total",
			Help: "Total number of assignments created.",
		}, []string{"role", "strategy"}),
		AssignmentOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_assignment_operations_total",
			Help: "Total number of assignment operations by result code.",
		}, []string{"action", "result"}),
		AssignmentDuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_assignment_duplicates_total",
			Help: "Create requests answered with an existing active assignment.",
		}, []string{"role"}),
		AssignmentCompletionHours: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certflow_assignment_completion_hours",
			Help:    "Hours from assignment to completion.",
			Buckets: jobDurationBuckets,
		}, []string{"job_type"}),
		AssignmentsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_assignments_completed_total",
			Help: "Total number of completed assignments by SLA outcome.",
		}, []string{"job_type", "on_time"}),
		SLABreachedActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certflow_sla_breached_active",
			Help: "Active assignments past their due date at the last check.",
		}),
		RepositoryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certflow_repository_duration_seconds",
			Help:    "Assignment repository call duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),

		// Strategies
		StrategySelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_strategy_selections_total",
			Help: "Total number of candidate selections by strategy.",
		}, []string{"strategy", "result"}),
		StrategyFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_strategy_fallbacks_total",
			Help: "Total number of times a strategy fell back to another.",
		}, []string{"strategy", "fallback"}),

		// Events
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_events_published_total",
			Help: "Total number of assignment events published.",
		}, []string{"type", "status"}),

		// System
		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certflow_definition_load_total",
			Help: "Total definition loads.",
		}, []string{"status"}),
		WorkflowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certflow_workflows_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		RulesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certflow_rules_registered",
			Help: "Number of registered business rules.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Workflow
		m.TransitionsTotal,
		m.TransitionDuration,
		m.RuleFailuresTotal,
		// Assignments
		m.AssignmentsCreatedTotal,
		m.AssignmentOperationsTotal,
		m.AssignmentDuplicatesTotal,
		m.AssignmentCompletionHours,
		m.AssignmentsCompletedTotal,
		m.SLABreachedActive,
		m.RepositoryDuration,
		// Strategies
		m.StrategySelectionsTotal,
		m.StrategyFallbacksTotal,
		// Events
		m.EventsPublishedTotal,
		// System
		m.DefinitionLoadTotal,
		m.WorkflowsLoaded,
		m.RulesRegistered,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe on a nil *Metrics so components can run without
// instrumentation.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records a transition decision. reason is "ok" for an
// allowed transition and the rejection code otherwise.
func (m *Metrics) RecordTransition(from, to, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, reason).Inc()
	m.TransitionDuration.Observe(duration.Seconds())
}

// RecordRuleFailure records a failed business rule.
func (m *Metrics) RecordRuleFailure(rule string) {
	if m == nil {
		return
	}
	m.RuleFailuresTotal.WithLabelValues(rule).Inc()
}

// RecordAssignmentCreated records a newly created assignment.
func (m *Metrics) RecordAssignmentCreated(role, strategy string) {
	if m == nil {
		return
	}
	m.AssignmentsCreatedTotal.WithLabelValues(role, strategy).Inc()
}

// RecordAssignmentOperation records the outcome of an assignment
// operation. result is "ok" or an error code.
func (m *Metrics) RecordAssignmentOperation(action, result string) {
	if m == nil {
		return
	}
	m.AssignmentOperationsTotal.WithLabelValues(action, result).Inc()
}

// RecordDuplicateCreate records a create answered by an existing
// assignment.
func (m *Metrics) RecordDuplicateCreate(role string) {
	if m == nil {
		return
	}
	m.AssignmentDuplicatesTotal.WithLabelValues(role).Inc()
}

// RecordCompletion records a completed assignment and its SLA outcome.
func (m *Metrics) RecordCompletion(jobType string, hours float64, onTime bool) {
	if m == nil {
		return
	}
	m.AssignmentCompletionHours.WithLabelValues(jobType).Observe(hours)
	m.AssignmentsCompletedTotal.WithLabelValues(jobType, strconv.FormatBool(onTime)).Inc()
}

// SetSLABreached sets the number of breached active assignments.
func (m *Metrics) SetSLABreached(count int) {
	if m == nil {
		return
	}
	m.SLABreachedActive.Set(float64(count))
}

// RecordRepositoryCall records a repository call duration.
func (m *Metrics) RecordRepositoryCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RepositoryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStrategySelection records a candidate selection.
func (m *Metrics) RecordStrategySelection(strategy, result string) {
	if m == nil {
		return
	}
	m.StrategySelectionsTotal.WithLabelValues(strategy, result).Inc()
}

// RecordStrategyFallback records a strategy falling back to another.
func (m *Metrics) RecordStrategyFallback(strategy, fallback string) {
	if m == nil {
		return
	}
	m.StrategyFallbacksTotal.WithLabelValues(strategy, fallback).Inc()
}

// RecordEventPublished records an event publish attempt.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordDefinitionLoad records a definition load attempt.
func (m *Metrics) RecordDefinitionLoad(status string) {
	if m == nil {
		return
	}
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
}

// SetWorkflowsLoaded sets the number of loaded workflows.
func (m *Metrics) SetWorkflowsLoaded(count int) {
	if m == nil {
		return
	}
	m.WorkflowsLoaded.Set(float64(count))
}

// SetRulesRegistered sets the number of registered business rules.
func (m *Metrics) SetRulesRegistered(count int) {
	if m == nil {
		return
	}
	m.RulesRegistered.Set(float64(count))
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
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
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
