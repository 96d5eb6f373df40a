// Package metrics exposes Prometheus collectors for the realtime coordinator.
//
// Every method is nil-safe so components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hirewire"

// Metrics groups the coordinator's collectors.
type Metrics struct {
	registry prometheus.Gatherer

	Connections     prometheus.Gauge
	Handshakes      *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	CallTransitions *prometheus.CounterVec
	CallRejections  *prometheus.CounterVec
	BusPublished    *prometheus.CounterVec
	BusFailures     *prometheus.CounterVec
	PushDrops       prometheus.Counter
}

// New registers collectors on reg. When reg is nil a private registry is used,
// which keeps repeated construction in tests from panicking on duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of registered realtime connections",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Connection handshakes by result",
		}, []string{"result"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Chat messages processed by delivery outcome",
		}, []string{"outcome"}),
		CallTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call session transitions by target state",
		}, []string{"state"}),
		CallRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_rejections_total",
			Help:      "Refused call operations by error code",
		}, []string{"code"}),
		BusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Events published on the in-process bus by topic",
		}, []string{"topic"}),
		BusFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscriber_failures_total",
			Help:      "Subscriber errors and panics by topic and subscriber",
		}, []string{"topic", "subscriber"}),
		PushDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_drops_total",
			Help:      "Best-effort pushes that a connection did not accept",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil || m.Connections == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil || m.Connections == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) Handshake(result string) {
	if m == nil || m.Handshakes == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(outcome string) {
	if m == nil || m.Messages == nil {
		return
	}
	m.Messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CallTransition(state string) {
	if m == nil || m.CallTransitions == nil {
		return
	}
	m.CallTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) CallRejected(code string) {
	if m == nil || m.CallRejections == nil {
		return
	}
	m.CallRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) Published(topic string) {
	if m == nil || m.BusPublished == nil {
		return
	}
	m.BusPublished.WithLabelValues(topic).Inc()
}

func (m *Metrics) SubscriberFailed(topic, subscriber string) {
	if m == nil || m.BusFailures == nil {
		return
	}
	m.BusFailures.WithLabelValues(topic, subscriber).Inc()
}

func (m *Metrics) PushDropped() {
	if m == nil || m.PushDrops == nil {
		return
	}
	m.PushDrops.Inc()
}
