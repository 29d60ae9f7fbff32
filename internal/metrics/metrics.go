// Package metrics holds the companion's prometheus instruments. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

// Inbound message outcomes.
const (
	OutcomeDispatched    = "dispatched"
	OutcomeUndecryptable = "undecryptable"
	OutcomeEmpty         = "empty"
	OutcomeUnsigned      = "unsigned"
	OutcomeUnknownOwner  = "unknown_owner"
	OutcomeSignerDenied  = "signer_mismatch"
	OutcomeDecodeFailed  = "decode_failed"
	OutcomeRejected      = "rejected"
	OutcomeIgnored       = "ignored"
	OutcomeFailed        = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	inbound       *prometheus.CounterVec
	registrations *prometheus.CounterVec
	pins          *prometheus.CounterVec
	replies       *prometheus.CounterVec
	subscriptions *prometheus.CounterVec
	pairings      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound channel messages by routing outcome.",
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Pairing registration attempts by result.",
		}, []string{"result"}),
		pins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pins_total",
			Help:      "Pin requests by result.",
		}, []string{"result"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Acknowledgements published by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_attempts_total",
			Help:      "Shared subscription creation attempts by result.",
		}, []string{"result"}),
		pairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairings",
			Help:      "Registered pairings currently held.",
		}),
	}
	reg.MustRegister(
		m.inbound,
		m.registrations,
		m.pins,
		m.replies,
		m.subscriptions,
		m.pairings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Inbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registration(ok bool) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Pin(ok bool) {
	if m == nil {
		return
	}
	m.pins.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Reply(ok bool) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SubscriptionAttempt(ok bool) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetPairings(n int) {
	if m == nil {
		return
	}
	m.pairings.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
