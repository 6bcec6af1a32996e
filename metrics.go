package geoprice

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the task layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted    *prometheus.CounterVec
	submitErrors *prometheus.CounterVec
	statusWrites *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geoprice",
				Name:      "tasks_submitted_total",
				Help:      "Jobs accepted by the executor, by kind",
			},
			[]string{"kind"},
		),
		submitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geoprice",
				Name:      "task_submission_failures_total",
				Help:      "Jobs the executor refused to schedule, by kind",
			},
			[]string{"kind"},
		),
		statusWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geoprice",
				Name:      "task_status_writes_total",
				Help:      "Status records written, by stage",
			},
			[]string{"stage"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geoprice",
				Name:      "task_store_errors_total",
				Help:      "Status store failures, by operation",
			},
			[]string{"op"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "geoprice",
				Name:      "task_duration_seconds",
				Help:      "Wall time of executed jobs, by kind and outcome",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind", "outcome"},
		),
	}
	m.registry.MustRegister(m.submitted, m.submitErrors, m.statusWrites, m.storeErrors, m.jobDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) recordSubmitted(kind string) {
	if m != nil {
		m.submitted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) recordSubmitError(kind string) {
	if m != nil {
		m.submitErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) recordStatusWrite(stage Stage) {
	if m != nil {
		m.statusWrites.WithLabelValues(string(stage)).Inc()
	}
}

func (m *Metrics) recordStoreError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observeJob(kind, outcome string, elapsed time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(kind, outcome).Observe(elapsed.Seconds())
	}
}
