package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for reconciliation runs. A
// disabled instance is a no-op; every recording method guards on the
// underlying collector being nil.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	taskOutcomes *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	moduleErrors *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. With Enabled false, the
// returned instance records nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of reconciliation runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		taskOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_outcomes_total",
				Help:      "Total task node outcomes by module and outcome",
			},
			[]string{"module", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task probe and apply in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module"},
		),
		moduleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_errors_total",
				Help:      "Total module errors by module and phase",
			},
			[]string{"module", "phase"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active reconciliation runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.taskOutcomes,
		m.taskDuration,
		m.moduleErrors,
		m.activeRuns,
	)
	return m
}

// RecordRunStarted increments the started-runs counter.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordTaskOutcome records one task node outcome.
func (m *Metrics) RecordTaskOutcome(module, outcome string, duration time.Duration) {
	if m.taskOutcomes == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(module, outcome).Inc()
	m.taskDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordModuleError records a module failure by phase (render, probe,
// apply).
func (m *Metrics) RecordModuleError(module, phase string) {
	if m.moduleErrors == nil {
		return
	}
	m.moduleErrors.WithLabelValues(module, phase).Inc()
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP endpoint when a listen address is
// configured. It blocks, so callers run it in a goroutine.
func (m *Metrics) Serve() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
