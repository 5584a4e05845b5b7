// Package metrics exposes taskforge's Prometheus instrumentation: one
// registry, grouped by component, with nil-receiver methods so callers can
// hold a possibly-nil *Metrics (metrics disabled) without branching.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics collection is enabled and under what
// namespace the series are published.
type Config struct {
	Enabled   bool
	Namespace string
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "taskforge"
	}
}

// Metrics holds every Prometheus collector taskforge registers. A nil
// *Metrics is valid and every Record*/Observe* method becomes a no-op,
// so instrumentation call sites never need an enabled check.
type Metrics struct {
	cfg      *Config
	registry *prometheus.Registry

	checkpointSaves      *prometheus.CounterVec
	checkpointLoads       *prometheus.CounterVec
	checkpointLoadErrors  *prometheus.CounterVec
	checkpointBytesUsed   *prometheus.GaugeVec
	checkpointUtilization *prometheus.GaugeVec

	execTransitions     *prometheus.CounterVec
	execDuration        *prometheus.HistogramVec
	execRetries         *prometheus.CounterVec
	execFinalState      *prometheus.CounterVec

	waveDispatched  *prometheus.CounterVec
	waveCompleted   *prometheus.CounterVec
	waveFailed      *prometheus.CounterVec
	waveInFlight    *prometheus.GaugeVec
	waveDuration    *prometheus.HistogramVec
	admissionDenied *prometheus.CounterVec

	failureIndexSearches *prometheus.CounterVec
	failureIndexSearchDur *prometheus.HistogramVec
	failureIndexSize      *prometheus.GaugeVec
	matchConfidence       *prometheus.HistogramVec

	auditWrites   *prometheus.CounterVec
	auditRotations *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance, or returns (nil, nil) when cfg is nil or
// disabled: the zero-value caller contract is "do nothing".
func New(cfg *Config) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{cfg: cfg, registry: prometheus.NewRegistry()}
	m.initCheckpointMetrics()
	m.initExecutionMetrics()
	m.initWaveMetrics()
	m.initFailureIndexMetrics()
	m.initAuditMetrics()
	m.initHTTPMetrics()
	return m, nil
}

func (m *Metrics) initCheckpointMetrics() {
	m.checkpointSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "checkpoint", Name: "saves_total",
		Help: "Total number of checkpoint save operations",
	}, []string{"namespace"})
	m.checkpointLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "checkpoint", Name: "loads_total",
		Help: "Total number of checkpoint load operations",
	}, []string{"namespace"})
	m.checkpointLoadErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "checkpoint", Name: "load_errors_total",
		Help: "Total number of checkpoint load errors by code",
	}, []string{"namespace", "code"})
	m.checkpointBytesUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "checkpoint", Name: "bytes_used",
		Help: "Bytes currently accounted as used by the checkpoint store",
	}, []string{})
	m.checkpointUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "checkpoint", Name: "utilization_percent",
		Help: "Checkpoint store utilization as a percentage of max_bytes",
	}, []string{})
	m.registry.MustRegister(m.checkpointSaves, m.checkpointLoads, m.checkpointLoadErrors,
		m.checkpointBytesUsed, m.checkpointUtilization)
}

func (m *Metrics) initExecutionMetrics() {
	m.execTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "execstate", Name: "transitions_total",
		Help: "Total number of state transitions",
	}, []string{"from", "to"})
	m.execDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "execstate", Name: "run_duration_seconds",
		Help: "Total duration of one execute() run", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"final_state"})
	m.execRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "execstate", Name: "retries_total",
		Help: "Total number of VERIFYING->EXECUTING retries",
	}, []string{})
	m.execFinalState = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "execstate", Name: "final_state_total",
		Help: "Total number of runs by final state",
	}, []string{"final_state"})
	m.registry.MustRegister(m.execTransitions, m.execDuration, m.execRetries, m.execFinalState)
}

func (m *Metrics) initWaveMetrics() {
	m.waveDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "stories_dispatched_total",
		Help: "Total number of stories dispatched",
	}, []string{})
	m.waveCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "stories_completed_total",
		Help: "Total number of stories completed",
	}, []string{})
	m.waveFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "stories_failed_total",
		Help: "Total number of stories failed",
	}, []string{})
	m.waveInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "stories_in_flight",
		Help: "Number of stories currently dispatched and running",
	}, []string{})
	m.waveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "duration_seconds",
		Help: "Wave completion duration", Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"outcome"})
	m.admissionDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "wave", Name: "admission_denied_total",
		Help: "Total number of admission-control denials observed while polling",
	}, []string{})
	m.registry.MustRegister(m.waveDispatched, m.waveCompleted, m.waveFailed, m.waveInFlight,
		m.waveDuration, m.admissionDenied)
}

func (m *Metrics) initFailureIndexMetrics() {
	m.failureIndexSearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "failure_index", Name: "searches_total",
		Help: "Total number of failure index searches",
	}, []string{})
	m.failureIndexSearchDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "failure_index", Name: "search_duration_seconds",
		Help: "Failure index search duration", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{})
	m.failureIndexSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "failure_index", Name: "records",
		Help: "Number of records currently held in the failure index",
	}, []string{})
	m.matchConfidence = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "failure_index", Name: "match_confidence",
		Help: "Confidence score distribution of resolution matches", Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{})
	m.registry.MustRegister(m.failureIndexSearches, m.failureIndexSearchDur, m.failureIndexSize, m.matchConfidence)
}

func (m *Metrics) initAuditMetrics() {
	m.auditWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "audit_log", Name: "writes_total",
		Help: "Total number of audit log entries written",
	}, []string{"outcome"})
	m.auditRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "audit_log", Name: "rotations_total",
		Help: "Total number of audit log file rotations",
	}, []string{})
	m.registry.MustRegister(m.auditWrites, m.auditRotations)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// --- Checkpoint ---

func (m *Metrics) RecordCheckpointSave(namespace string) {
	if m == nil {
		return
	}
	m.checkpointSaves.WithLabelValues(namespace).Inc()
}

func (m *Metrics) RecordCheckpointLoad(namespace string) {
	if m == nil {
		return
	}
	m.checkpointLoads.WithLabelValues(namespace).Inc()
}

func (m *Metrics) RecordCheckpointLoadError(namespace, code string) {
	if m == nil {
		return
	}
	m.checkpointLoadErrors.WithLabelValues(namespace, code).Inc()
}

func (m *Metrics) SetCheckpointUsage(bytesUsed int64, utilizationPercent float64) {
	if m == nil {
		return
	}
	m.checkpointBytesUsed.WithLabelValues().Set(float64(bytesUsed))
	m.checkpointUtilization.WithLabelValues().Set(utilizationPercent)
}

// --- ExecutionStateMachine ---

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.execTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordRunCompleted(finalState string, duration time.Duration) {
	if m == nil {
		return
	}
	m.execDuration.WithLabelValues(finalState).Observe(duration.Seconds())
	m.execFinalState.WithLabelValues(finalState).Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.execRetries.WithLabelValues().Inc()
}

// --- WaveScheduler ---

func (m *Metrics) RecordStoryDispatched() {
	if m == nil {
		return
	}
	m.waveDispatched.WithLabelValues().Inc()
	m.waveInFlight.WithLabelValues().Inc()
}

func (m *Metrics) RecordStoryCompleted() {
	if m == nil {
		return
	}
	m.waveCompleted.WithLabelValues().Inc()
	m.waveInFlight.WithLabelValues().Dec()
}

func (m *Metrics) RecordStoryFailed() {
	if m == nil {
		return
	}
	m.waveFailed.WithLabelValues().Inc()
	m.waveInFlight.WithLabelValues().Dec()
}

func (m *Metrics) RecordWaveCompleted(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.waveDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordAdmissionDenied() {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues().Inc()
}

// --- FailureIndex ---

func (m *Metrics) RecordFailureIndexSearch(duration time.Duration) {
	if m == nil {
		return
	}
	m.failureIndexSearches.WithLabelValues().Inc()
	m.failureIndexSearchDur.WithLabelValues().Observe(duration.Seconds())
}

func (m *Metrics) SetFailureIndexSize(n int) {
	if m == nil {
		return
	}
	m.failureIndexSize.WithLabelValues().Set(float64(n))
}

func (m *Metrics) RecordMatchConfidence(confidence float64) {
	if m == nil {
		return
	}
	m.matchConfidence.WithLabelValues().Observe(confidence)
}

// --- AuditLog ---

func (m *Metrics) RecordAuditWrite(outcome string) {
	if m == nil {
		return
	}
	m.auditWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAuditRotation() {
	if m == nil {
		return
	}
	m.auditRotations.WithLabelValues().Inc()
}

// --- HTTP ---

func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, statusCodeLabel(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler serves the Prometheus exposition format; a nil Metrics serves 503.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry, e.g. to additionally
// register an OpenTelemetry bridge exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
