// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healflow"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	stepOutcomes    *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	recoveryActions *prometheus.CounterVec
	classifications *prometheus.CounterVec
	breakerChanges  *prometheus.CounterVec
	storageRetries  prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs that reached a terminal status.",
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Runs currently driven by this process.",
			},
		),
		stepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Step attempts by outcome (succeeded, failed, timeout, cancelled, rejected).",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of executed step attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"step"},
		),
		recoveryActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_actions_total",
				Help:      "Recovery actions chosen by error kind.",
			},
			[]string{"error_kind", "action"},
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Error classifications by source (local, backend, fallback).",
			},
			[]string{"source", "error_kind"},
		),
		breakerChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker state changes.",
			},
			[]string{"breaker", "state"},
		),
		storageRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_retries_total",
				Help:      "Retried persistence operations.",
			},
		),
	}
	m.registry.MustRegister(
		m.runsTotal,
		m.activeRuns,
		m.stepOutcomes,
		m.stepDuration,
		m.recoveryActions,
		m.classifications,
		m.breakerChanges,
		m.storageRetries,
	)
	return m
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) StepAttempt(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(step, outcome).Inc()
	if outcome != "rejected" {
		m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

func (m *Metrics) Recovery(kind, action string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) Classification(source, kind string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) BreakerTransition(key, state string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(key, state).Inc()
}

func (m *Metrics) StorageRetry() {
	if m == nil {
		return
	}
	m.storageRetries.Inc()
}
