// Package metrics exposes Prometheus counters for the inspection engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siteqa"

// Metrics groups the collectors recorded by the service and HTTP layers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	recordsSaved  *prometheus.CounterVec
	saveFailures  *prometheus.CounterVec
	assignments   *prometheus.CounterVec
	batchOutcomes *prometheus.CounterVec
	batchDuration prometheus.Histogram
	httpRequests  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		recordsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conformance_records_saved_total",
			Help:      "Conformance records written, by verdict.",
		}, []string{"result"}),
		saveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conformance_save_failures_total",
			Help:      "Failed conformance saves, by error code.",
		}, []string{"code"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_operations_total",
			Help:      "Template assignment changes, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		batchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_saves_total",
			Help:      "Batch saves, by overall outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_save_duration_seconds",
			Help:      "Wall time of one batch save wave.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.recordsSaved, m.saveFailures, m.assignments,
		m.batchOutcomes, m.batchDuration, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSaved counts a successful conformance write.
func (m *Metrics) RecordSaved(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "pending"
	}
	m.recordsSaved.WithLabelValues(result).Inc()
}

// SaveFailed counts a failed conformance write.
func (m *Metrics) SaveFailed(code string) {
	if m == nil {
		return
	}
	m.saveFailures.WithLabelValues(code).Inc()
}

// Assignment counts an assign or remove operation.
func (m *Metrics) Assignment(operation string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.assignments.WithLabelValues(operation, outcome).Inc()
}

// Batch records one batch save wave.
func (m *Metrics) Batch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchOutcomes.WithLabelValues(outcome).Inc()
	m.batchDuration.Observe(elapsed.Seconds())
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
