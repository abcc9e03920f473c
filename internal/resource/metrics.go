package resource

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/rex/internal/model"
)

// Metrics exposes pool gauges and allocation counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	crewAgents       *prometheus.GaugeVec
	domains          *prometheus.GaugeVec
	quotaUsed        *prometheus.GaugeVec
	quotaLimit       *prometheus.GaugeVec
	allocationsTotal *prometheus.CounterVec
	releasesTotal    prometheus.Counter
	rotationsTotal   prometheus.Counter
}

// NewMetrics constructs a registry and registers all pool collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	crewAgents := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rex",
			Subsystem: "pool",
			Name:      "crew_agents",
			Help:      "Agents per crew by state.",
		},
		[]string{"crew", "state"},
	)
	domains := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rex",
			Subsystem: "pool",
			Name:      "domains",
			Help:      "Sending domains by status.",
		},
		[]string{"status"},
	)
	quotaUsed := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rex",
			Subsystem: "pool",
			Name:      "quota_used",
			Help:      "Provider quota consumed in the current window.",
		},
		[]string{"provider"},
	)
	quotaLimit := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rex",
			Subsystem: "pool",
			Name:      "quota_limit",
			Help:      "Provider quota limit per window.",
		},
		[]string{"provider"},
	)
	allocationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rex",
			Subsystem: "pool",
			Name:      "allocations_total",
			Help:      "Allocation attempts by result.",
		},
		[]string{"result"},
	)
	releasesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rex",
		Subsystem: "pool",
		Name:      "releases_total",
		Help:      "Allocations released.",
	})
	rotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rex",
		Subsystem: "pool",
		Name:      "domain_rotations_total",
		Help:      "Domains transitioned to rotated.",
	})

	registry.MustRegister(crewAgents, domains, quotaUsed, quotaLimit, allocationsTotal, releasesTotal, rotationsTotal)

	return &Metrics{
		registry:         registry,
		crewAgents:       crewAgents,
		domains:          domains,
		quotaUsed:        quotaUsed,
		quotaLimit:       quotaLimit,
		allocationsTotal: allocationsTotal,
		releasesTotal:    releasesTotal,
		rotationsTotal:   rotationsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incAllocation(result string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incRelease() {
	if m == nil {
		return
	}
	m.releasesTotal.Inc()
}

func (m *Metrics) incRotation() {
	if m == nil {
		return
	}
	m.rotationsTotal.Inc()
}

// observe publishes the current snapshot to the gauges.
func (m *Metrics) observe(snap model.ResourcePool) {
	if m == nil {
		return
	}
	m.crewAgents.Reset()
	for name, c := range snap.Crews {
		m.crewAgents.WithLabelValues(name, string(model.AgentIdle)).Set(float64(c.Available))
		m.crewAgents.WithLabelValues(name, string(model.AgentExecuting)).Set(float64(c.Executing))
		m.crewAgents.WithLabelValues(name, string(model.AgentFailed)).Set(float64(c.Failed))
	}
	m.domains.Reset()
	for status, n := range snap.Domains {
		m.domains.WithLabelValues(string(status)).Set(float64(n))
	}
	for name, q := range snap.Providers {
		m.quotaUsed.WithLabelValues(name).Set(float64(q.Used))
		m.quotaLimit.WithLabelValues(name).Set(float64(q.Limit))
	}
}
