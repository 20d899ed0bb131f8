// Package metrics holds the Prometheus collectors of the messaging core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dmsync"

// Metrics groups every collector.
type Metrics struct {
	realtimeEvents *prometheus.CounterVec
	reconcile      *prometheus.CounterVec
	sends          *prometheus.CounterVec
	reconnects     prometheus.Counter
	breakerState   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime message changes handled by subscriptions.",
		}, []string{"stream", "result"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Outcomes of applying change events to message lists.",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message send attempts by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Successful realtime reconnections.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(m.realtimeEvents, m.reconcile, m.sends, m.reconnects, m.breakerState)
	}
	return m
}

// Stream labels.
const (
	StreamConversation = "conversation"
	StreamInbox        = "inbox"
)

// Event results.
const (
	EventDelivered = "delivered"
	EventFiltered  = "filtered"
	EventDropped   = "dropped"
)

// Send results.
const (
	SendOK       = "ok"
	SendFailed   = "failed"
	SendRejected = "rejected"
)

func (m *Metrics) RealtimeEvent(stream, result string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(stream, result).Inc()
}

func (m *Metrics) ReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

// RealtimeReconnected counts one reconnect of the change feed.
func (m *Metrics) RealtimeReconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// BreakerStateChanged records the new state of the named breaker.
func (m *Metrics) BreakerStateChanged(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
