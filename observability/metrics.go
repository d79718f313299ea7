package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// WorkflowMetrics tracks lifecycle transitions of the workflow engine.
type WorkflowMetrics struct {
	transitions  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	signatures   *prometheus.CounterVec
	hookFailures *prometheus.CounterVec
	observerErrs prometheus.Counter
	pending      prometheus.Gauge
	latency      *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	workflowMetricsOnce sync.Once
	workflowRegistry    *WorkflowMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// query API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total query API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total query API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "guardflow",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for query API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of query API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Workflow returns the singleton metrics registry for the workflow engine.
func Workflow() *WorkflowMetrics {
	workflowMetricsOnce.Do(func() {
		workflowRegistry = &WorkflowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "transitions_total",
				Help:      "Count of lifecycle transitions segmented by operation and resulting status.",
			}, []string{"operation", "status"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "rejections_total",
				Help:      "Count of aborted transition attempts segmented by operation.",
			}, []string{"operation"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "signature_checks_total",
				Help:      "Signed request verifications segmented by outcome reason.",
			}, []string{"reason"}),
			hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "hook_failures_total",
				Help:      "Count of swallowed hook failures segmented by lifecycle point.",
			}, []string{"point"}),
			observerErrs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "observer_failures_total",
				Help:      "Count of swallowed audit observer failures.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "pending_transactions",
				Help:      "Number of records currently in PENDING status.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "guardflow",
				Subsystem: "workflow",
				Name:      "transition_duration_seconds",
				Help:      "Latency of lifecycle transitions including effect execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			workflowRegistry.transitions,
			workflowRegistry.rejections,
			workflowRegistry.signatures,
			workflowRegistry.hookFailures,
			workflowRegistry.observerErrs,
			workflowRegistry.pending,
			workflowRegistry.latency,
		)
	})
	return workflowRegistry
}

// RecordTransition counts a completed transition.
func (m *WorkflowMetrics) RecordTransition(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, status).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection counts an aborted transition attempt.
func (m *WorkflowMetrics) RecordRejection(operation string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation).Inc()
}

// RecordSignature counts a signature verification outcome.
func (m *WorkflowMetrics) RecordSignature(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.signatures.WithLabelValues(reason).Inc()
}

// RecordHookFailure counts a swallowed hook failure.
func (m *WorkflowMetrics) RecordHookFailure(point string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(point).Inc()
}

// RecordObserverFailure counts a swallowed observer failure.
func (m *WorkflowMetrics) RecordObserverFailure() {
	if m == nil {
		return
	}
	m.observerErrs.Inc()
}

// SetPending reports the current size of the pending set.
func (m *WorkflowMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
