// Package metrics exposes the engine's Prometheus instrumentation. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zonekeeper"

// Allocation outcomes.
const (
	ResultGranted = "granted"
	ResultBusy    = "busy"
	ResultEmpty   = "catalog_empty"
	ResultError   = "error"
)

type Metrics struct {
	reg *prometheus.Registry

	allocations      *prometheus.CounterVec
	attempts         prometheus.Histogram
	claimConflicts   prometheus.Counter
	expired          prometheus.Counter
	completions      *prometheus.CounterVec
	adminOps         *prometheus.CounterVec
	doubleAssign     prometheus.Counter
	doubleActive     prometheus.Gauge
	activeLeases     prometheus.Gauge
	suggestions      prometheus.Counter
	suggestCoalesced prometheus.Counter
	catalogSize      prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Zone allocation requests by result (granted, busy, catalog_empty, error).",
		}, []string{"result"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_attempts",
			Help:      "Random sampling attempts used per allocation request.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims that lost the race for a zone to a concurrent request.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_expired_total",
			Help:      "Leases moved from active to expired by sweeps.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Complete requests by result (completed, noop).",
		}, []string{"result"}),
		adminOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_operations_total",
			Help:      "Administrative lease operations by op (assign, extend, close).",
		}, []string{"op"}),
		doubleAssign: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_double_assign_total",
			Help:      "Admin assignments made while the zone already had a live lease.",
		}),
		doubleActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "double_active_zones",
			Help:      "Zones that currently have more than one live lease.",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_leases",
			Help:      "Live leases at the last listing.",
		}),
		suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Recommendation requests served.",
		}),
		suggestCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_coalesced_total",
			Help:      "Recommendation requests answered by an identical in-flight request.",
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_locations",
			Help:      "Locations loaded in the catalog.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.allocations,
		m.attempts,
		m.claimConflicts,
		m.expired,
		m.completions,
		m.adminOps,
		m.doubleAssign,
		m.doubleActive,
		m.activeLeases,
		m.suggestions,
		m.suggestCoalesced,
		m.catalogSize,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Allocation(result string, attempts int) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) Completion(completed bool) {
	if m == nil {
		return
	}
	result := "noop"
	if completed {
		result = "completed"
	}
	m.completions.WithLabelValues(result).Inc()
}

func (m *Metrics) AdminOp(op string) {
	if m == nil {
		return
	}
	m.adminOps.WithLabelValues(op).Inc()
}

func (m *Metrics) DoubleAssign() {
	if m == nil {
		return
	}
	m.doubleAssign.Inc()
}

// LeaseSnapshot records the live lease count and the number of zones with
// more than one live lease.
func (m *Metrics) LeaseSnapshot(active, doubleActive int) {
	if m == nil {
		return
	}
	m.activeLeases.Set(float64(active))
	m.doubleActive.Set(float64(doubleActive))
}

func (m *Metrics) Suggestion(shared bool) {
	if m == nil {
		return
	}
	m.suggestions.Inc()
	if shared {
		m.suggestCoalesced.Inc()
	}
}

func (m *Metrics) CatalogSize(n int) {
	if m == nil {
		return
	}
	m.catalogSize.Set(float64(n))
}

func (m *Metrics) HTTPRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
