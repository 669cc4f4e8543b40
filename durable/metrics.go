package durable

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for durable executions.
//
// Metrics exposed (all namespaced with "durable_"):
//
//  1. operations_total (counter): Checkpointed operation transitions.
//     Labels: type (STEP, CALLBACK, WAIT, CONTEXT, EXECUTION), action (START, SUCCEED, FAIL, RETRY).
//
//  2. replays_total (counter): Operations answered from a recorded outcome.
//     Labels: type.
//
//  3. retries_total (counter): Step retries scheduled.
//     Labels: reason (error, timeout, interrupted).
//
//  4. step_latency_ms (histogram): Duration of one step attempt in milliseconds.
//     Labels: status (success, error).
//
//  5. suspensions_total (counter): Invocations that ended PENDING.
//     Labels: reason (idle).
//
//  6. checkpoint_batch_size (histogram): Updates sent per checkpoint call.
//
//  7. inflight_operations (gauge): Operations currently EXECUTING.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := durable.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	operations  *prometheus.CounterVec
	replays     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	suspensions *prometheus.CounterVec
	batchSize   prometheus.Histogram
	inflight    prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "operations_total",
			Help:      "Operation transitions checkpointed to the durability service",
		}, []string{"type", "action"}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "replays_total",
			Help:      "Operations answered from a recorded outcome without running again",
		}, []string{"type"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "retries_total",
			Help:      "Step retries scheduled through the durability service",
		}, []string{"reason"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durable",
			Name:      "step_latency_ms",
			Help:      "Duration of one step attempt in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"status"}),
		suspensions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable",
			Name:      "suspensions_total",
			Help:      "Invocations that suspended and returned PENDING",
		}, []string{"reason"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durable",
			Name:      "checkpoint_batch_size",
			Help:      "Number of operation updates sent per checkpoint call",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "durable",
			Name:      "inflight_operations",
			Help:      "Operations currently running user code",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordOperation counts a checkpointed transition.
func (pm *PrometheusMetrics) RecordOperation(opType, action string) {
	if !pm.on() {
		return
	}
	pm.operations.WithLabelValues(opType, action).Inc()
}

// RecordReplay counts an operation answered from its recorded outcome.
func (pm *PrometheusMetrics) RecordReplay(opType string) {
	if !pm.on() {
		return
	}
	pm.replays.WithLabelValues(opType).Inc()
}

// IncrementRetries counts a scheduled retry.
func (pm *PrometheusMetrics) IncrementRetries(reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(reason).Inc()
}

// RecordStepLatency observes the duration of one attempt.
func (pm *PrometheusMetrics) RecordStepLatency(latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(status).Observe(float64(latency.Milliseconds()))
}

// RecordSuspension counts an invocation that ended PENDING.
func (pm *PrometheusMetrics) RecordSuspension(reason string) {
	if !pm.on() {
		return
	}
	pm.suspensions.WithLabelValues(reason).Inc()
}

// RecordCheckpointBatch observes the size of one checkpoint call.
func (pm *PrometheusMetrics) RecordCheckpointBatch(n int) {
	if !pm.on() {
		return
	}
	pm.batchSize.Observe(float64(n))
}

// UpdateInflight sets the number of EXECUTING operations.
func (pm *PrometheusMetrics) UpdateInflight(n int) {
	if !pm.on() {
		return
	}
	pm.inflight.Set(float64(n))
}

// Enable resumes metric recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Disable stops metric recording. Metrics stay registered.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}
