package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "exportd"

// Metrics groups the daemon's collectors. A nil *Metrics is valid and records
// nothing, which keeps call sites free of nil checks.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	RelayedEvents     *prometheus.CounterVec
	Reconnects        prometheus.Counter
	ExportRuns        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of users with a live automation client.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions destroyed, by reason.",
		}, []string{"reason"}),
		RelayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_events_total",
			Help:      "Automation client events relayed to channels, by kind.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Channels rebound to a running session.",
		}),
		ExportRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_runs_total",
			Help:      "Export operations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveSessions,
			m.SessionsCreated,
			m.SessionsDestroyed,
			m.RelayedEvents,
			m.Reconnects,
			m.ExportRuns,
		)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
}

func (m *Metrics) EventRelayed(kind string) {
	if m == nil {
		return
	}
	m.RelayedEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) ExportFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.ExportRuns.WithLabelValues(kind, outcome).Inc()
}
