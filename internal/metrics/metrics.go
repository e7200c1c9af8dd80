// Package metrics exposes the service's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	tokensIssued       prometheus.Counter
	tokenRotations     *prometheus.CounterVec
	eventsPublished    *prometheus.CounterVec
	pushesDelivered    prometheus.Counter
	pushesDropped      prometheus.Counter
	connections        prometheus.Gauge
	sessionTransitions *prometheus.CounterVec
	securityEvents     *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "token", Name: "issued_total",
			Help: "Token families created at login.",
		}),
		tokenRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "token", Name: "rotations_total",
			Help: "Refresh rotations by outcome.",
		}, []string{"outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "events", Name: "published_total",
			Help: "Events appended to room logs, by event type.",
		}, []string{"type"}),
		pushesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "events", Name: "pushes_delivered_total",
			Help: "Envelopes queued on a connection.",
		}),
		pushesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "events", Name: "pushes_dropped_total",
			Help: "Envelopes dropped because a connection buffer was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helpdesk", Subsystem: "realtime", Name: "connections",
			Help: "Live realtime connections.",
		}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "session", Name: "transitions_total",
			Help: "Session status transitions by target status.",
		}, []string{"status"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk", Subsystem: "security", Name: "events_total",
			Help: "Security events reported, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.tokenRotations,
		m.eventsPublished,
		m.pushesDelivered,
		m.pushesDropped,
		m.connections,
		m.sessionTransitions,
		m.securityEvents,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TokenIssued() {
	if m != nil {
		m.tokensIssued.Inc()
	}
}

// TokenRotation records "ok", "reuse", "revoked" or "expired".
func (m *Metrics) TokenRotation(outcome string) {
	if m != nil {
		m.tokenRotations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) EventPublished(eventType string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) PushDelivered() {
	if m != nil {
		m.pushesDelivered.Inc()
	}
}

func (m *Metrics) PushDropped() {
	if m != nil {
		m.pushesDropped.Inc()
	}
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) SessionTransition(status string) {
	if m != nil {
		m.sessionTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SecurityEvent(kind string) {
	if m != nil {
		m.securityEvents.WithLabelValues(kind).Inc()
	}
}
