package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts turn and event activity. All fields are optional on the
// structs that carry them; a nil *Metrics disables counting.
type Metrics struct {
	TurnsTotal     *prometheus.CounterVec
	EventsTotal    *prometheus.CounterVec
	ItemsPersisted prometheus.Counter
	StreamErrors   prometheus.Counter
}

// NewMetrics builds and registers the metric set. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marionette_turns_total",
			Help: "Turns processed, by outcome (ok, error, cancelled).",
		}, []string{"outcome"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marionette_events_total",
			Help: "Protocol events emitted to the wire, by type.",
		}, []string{"type"}),
		ItemsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marionette_items_persisted_total",
			Help: "Thread items made durable.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marionette_stream_errors_total",
			Help: "Turn failures converted to wire error events.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TurnsTotal, m.EventsTotal, m.ItemsPersisted, m.StreamErrors)
	}
	return m
}

func (m *Metrics) countEvent(typ string) {
	if m == nil || m.EventsTotal == nil {
		return
	}
	m.EventsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) countTurn(outcome string) {
	if m == nil || m.TurnsTotal == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) countPersisted() {
	if m == nil || m.ItemsPersisted == nil {
		return
	}
	m.ItemsPersisted.Inc()
}

func (m *Metrics) countStreamError() {
	if m == nil || m.StreamErrors == nil {
		return
	}
	m.StreamErrors.Inc()
}
