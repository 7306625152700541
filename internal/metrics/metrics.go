// Package metrics provides Prometheus instrumentation for the fieldlock
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only fieldlock metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the fieldlock server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DecisionsTotal      *prometheus.CounterVec
	EnforcementsTotal   *prometheus.CounterVec
	ViolationsTotal     *prometheus.CounterVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// New creates and registers all fieldlock metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldlock_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldlock_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldlock_decisions_total",
			Help: "Total number of attribute decisions served, by client-scope outcome.",
		}, []string{"outcome"}),

		EnforcementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldlock_enforcements_total",
			Help: "Total number of write-boundary enforcement checks.",
		}, []string{"operation", "result"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldlock_violations_total",
			Help: "Total number of policy violations found during enforcement.",
		}, []string{"kind"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldlock_cache_loads_total",
			Help: "Total number of governed-attribute cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldlock_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldlock_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.EnforcementsTotal,
		m.ViolationsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordDecision increments the decision counter for one client-scope
// outcome: "required", "not_allowed", "hidden", or "default".
func (m *Metrics) RecordDecision(outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordEnforcement increments the enforcement counter for one checked
// write.
func (m *Metrics) RecordEnforcement(operation string, blocked bool) {
	result := "allowed"
	if blocked {
		result = "blocked"
	}
	m.EnforcementsTotal.WithLabelValues(operation, result).Inc()
}

// RecordViolation increments the violation counter for one policy kind.
func (m *Metrics) RecordViolation(kind string) {
	m.ViolationsTotal.WithLabelValues(kind).Inc()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
