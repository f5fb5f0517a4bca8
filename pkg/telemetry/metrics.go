package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/converge/pkg/engine"
)

// Metrics holds Prometheus metrics for runs and resources. They are written
// to a node_exporter textfile after each run.
type Metrics struct {
	config MetricsConfig

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	resourcesTotal   *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	errorsByClass    *prometheus.CounterVec
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of convergence runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		resourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Total number of resources converged by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Duration of probe and apply per resource in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of resource failures by error class",
			},
			[]string{"class"},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run completed",
			},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "1 if the last run converged every resource, 0 otherwise",
			},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.resourcesTotal,
		m.resourceDuration,
		m.errorsByClass,
		m.lastRunTimestamp,
		m.lastRunSuccess,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordResource records one resource result.
func (m *Metrics) RecordResource(result *engine.ExecutionResult) {
	if m.registry == nil {
		return
	}
	kind := string(result.Descriptor.Kind())
	m.resourcesTotal.WithLabelValues(kind, string(result.Outcome)).Inc()
	m.resourceDuration.WithLabelValues(kind).Observe(result.Duration.Seconds())
	if result.Error != nil {
		m.errorsByClass.WithLabelValues(string(result.Error.Kind)).Inc()
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(run *engine.Run) {
	if m.registry == nil {
		return
	}
	status := string(run.Status)
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(run.Duration().Seconds())
	if run.CompletedAt != nil {
		m.lastRunTimestamp.Set(float64(run.CompletedAt.Unix()))
	}
	if run.Status == engine.RunStatusSucceeded {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// Gatherer returns the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the current metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
