package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bollardhq/bollard/pkg/engine"
)

// Metrics collects Prometheus metrics for runs and operations. A Metrics
// created with Enabled=false is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operationRetries    *prometheus.CounterVec

	activeRuns         prometheus.Gauge
	inFlightOperations prometheus.Gauge
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "bollard"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of run execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),

		operationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Total number of operations reaching a terminal outcome",
		}, []string{"action", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operation execution in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		operationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_retries_total",
			Help:      "Total number of operation retry attempts",
		}, []string{"action"}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		}),
		inFlightOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_operations",
			Help:      "Number of operations currently executing",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.operationsCompleted, m.operationDuration, m.operationRetries,
		m.activeRuns, m.inFlightOperations,
	)
	return m
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRunStarted tracks a new run.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted tracks a terminal run status.
func (m *Metrics) RecordRunCompleted(status engine.RunStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordOperationStarted tracks an operation entering execution.
func (m *Metrics) RecordOperationStarted() {
	if m.registry == nil {
		return
	}
	m.inFlightOperations.Inc()
}

// RecordOperationCompleted tracks a terminal operation outcome. Skips count
// toward completion but not duration.
func (m *Metrics) RecordOperationCompleted(action engine.ActionKind, outcome engine.Outcome, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(string(action), string(outcome)).Inc()
	if !outcome.IsSkip() {
		m.operationDuration.WithLabelValues(string(action)).Observe(duration.Seconds())
		m.inFlightOperations.Dec()
	}
}

// RecordOperationRetried tracks a retry attempt.
func (m *Metrics) RecordOperationRetried(action engine.ActionKind) {
	if m.registry == nil {
		return
	}
	m.operationRetries.WithLabelValues(string(action)).Inc()
}
