// Package metrics provides Prometheus metrics for the intake and projection service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Intake
	submissionsCommitted prometheus.Counter
	primaryWriteFailures prometheus.Counter
	intakeRejected       *prometheus.CounterVec
	primaryWriteLatency  prometheus.Histogram

	// Projection
	projectionOutcomes  *prometheus.CounterVec
	fieldOutcomes       *prometheus.CounterVec
	aliasFallbacks      *prometheus.CounterVec
	transientRetries    prometheus.Counter
	coercionIssues      *prometheus.CounterVec
	needsReview         prometheus.Gauge
	externalCallLatency prometheus.Histogram
	externalCallErrors  *prometheus.CounterVec
	bisectCalls         prometheus.Counter

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	recoveredJobs      prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // service registry without default Go collectors

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "intake",
		subsystem:        "projection",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.submissionsCommitted = m.counter("submissions_committed_total",
		"Submissions durably committed to the primary store")
	m.primaryWriteFailures = m.counter("primary_write_failures_total",
		"Primary store commits that failed and were surfaced to the caller")
	m.intakeRejected = m.counterVec("intake_rejected_total",
		"Intake documents rejected before the primary write", "reason")
	m.primaryWriteLatency = m.histogram("primary_write_latency_milliseconds",
		"Primary store commit latency in milliseconds", m.histogramBuckets)

	m.projectionOutcomes = m.counterVec("outcomes_total",
		"Terminal projection outcomes per submission", "status")
	m.fieldOutcomes = m.counterVec("field_outcomes_total",
		"Per-field projection outcomes recorded in the ledger", "status")
	m.aliasFallbacks = m.counterVec("alias_fallbacks_total",
		"Fields accepted only after falling back to an alias", "logical_path")
	m.transientRetries = m.counter("transient_retries_total",
		"Whole-submission retries caused by transient external failures")
	m.coercionIssues = m.counterVec("coercion_issues_total",
		"Values that coerced to a default or were altered", "issue")
	m.needsReview = m.gauge("needs_review",
		"Submissions waiting for manual reconciliation")
	m.externalCallLatency = m.histogram("external_call_latency_milliseconds",
		"External record store call latency in milliseconds", m.histogramBuckets)
	m.externalCallErrors = m.counterVec("external_call_errors_total",
		"External record store call failures", "kind")
	m.bisectCalls = m.counter("bisect_calls_total",
		"Extra external calls spent isolating fields after whole-request rejections")

	m.queueSize = m.gauge("queue_size", "Projection jobs waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum projection queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Projection jobs enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Projection jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Projection jobs that could not be enqueued")
	m.recoveredJobs = m.counter("recovered_jobs_total", "Jobs re-enqueued by the recovery sweep")

	m.workerCount = m.gauge("worker_count", "Projection workers running")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds",
		"Time to drive one submission to a terminal state", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Worker failures while processing a job")

	m.httpRequests = promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http", Name: m.name("requests_total"),
		Help: "HTTP requests by endpoint, method and status", ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "http", Name: m.name("request_duration_milliseconds"),
		Help: "HTTP request duration in milliseconds", Buckets: m.histogramBuckets, ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorRateByComponent = m.counterVec("errors_by_component_total",
		"Errors by component and type", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total",
		"Errors by type and severity", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total",
		"Errors by endpoint, method and type", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "Average GC pause in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Intake.

// RecordSubmissionCommitted increments the committed submissions counter.
func RecordSubmissionCommitted() { globalManager.submissionsCommitted.Inc() }

// RecordPrimaryWriteFailure increments the primary write failure counter.
func RecordPrimaryWriteFailure() { globalManager.primaryWriteFailures.Inc() }

// RecordIntakeRejected counts intake documents refused before the primary write.
func RecordIntakeRejected(reason string) { globalManager.intakeRejected.WithLabelValues(reason).Inc() }

// RecordPrimaryWriteLatency records commit latency.
func RecordPrimaryWriteLatency(latencyMs float64) {
	globalManager.primaryWriteLatency.Observe(latencyMs)
}

// Projection.

// RecordProjectionOutcome counts a submission reaching a terminal status.
func RecordProjectionOutcome(status string) {
	globalManager.projectionOutcomes.WithLabelValues(status).Inc()
}

// RecordFieldOutcome counts a ledger row by status.
func RecordFieldOutcome(status string) { globalManager.fieldOutcomes.WithLabelValues(status).Inc() }

// RecordAliasFallback counts a field accepted under an alias.
func RecordAliasFallback(logicalPath string) {
	globalManager.aliasFallbacks.WithLabelValues(logicalPath).Inc()
}

// RecordTransientRetry counts a whole-submission retry.
func RecordTransientRetry() { globalManager.transientRetries.Inc() }

// RecordCoercionIssue counts a coercion that defaulted, failed to parse or truncated.
func RecordCoercionIssue(issue string) { globalManager.coercionIssues.WithLabelValues(issue).Inc() }

// UpdateNeedsReview sets the number of submissions awaiting manual reconciliation.
func UpdateNeedsReview(count int) { globalManager.needsReview.Set(float64(count)) }

// RecordExternalCallLatency records one external store call.
func RecordExternalCallLatency(latencyMs float64) {
	globalManager.externalCallLatency.Observe(latencyMs)
}

// RecordExternalCallError counts a failed external call by kind.
func RecordExternalCallError(kind string) {
	globalManager.externalCallErrors.WithLabelValues(kind).Inc()
}

// RecordBisectCall counts a call spent isolating rejected fields.
func RecordBisectCall() { globalManager.bisectCalls.Inc() }

// Queue.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) { globalManager.queueUtilization.Set(utilization) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// RecordRecoveredJob counts a job re-enqueued by the recovery sweep.
func RecordRecoveredJob() { globalManager.recoveredJobs.Inc() }

// Workers.

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records how long one job took.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the heap allocation in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the registry the service metrics live on.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
