package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments used by the bridge. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	InboundMessages    *prometheus.CounterVec
	OutboundDecisions  *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	SessionsCreated    *prometheus.CounterVec
	SessionsClosed     prometheus.Counter
	CredentialRefresh  *prometheus.CounterVec
	SessionsPurged     prometheus.Counter
	EventSinkDecodeErr prometheus.Counter
}

// New registers all instruments on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound canonical messages by channel and result.",
		}, []string{"channel", "result"}),
		OutboundDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Backend events by routing decision.",
		}, []string{"decision"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound channel deliveries by channel and result.",
		}, []string{"channel", "result"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by channel.",
		}, []string{"channel"}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed by a terminal event or operator.",
		}),
		CredentialRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Connection credential refreshes by result.",
		}, []string{"result"}),
		SessionsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_purged_total",
			Help:      "Closed sessions removed by the retention sweep.",
		}),
		EventSinkDecodeErr: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventsink_decode_errors_total",
			Help:      "Event sink notifications that could not be decoded.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

func (m *Metrics) InboundMessage(channel, result string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) OutboundDecision(decision string) {
	if m == nil {
		return
	}
	m.OutboundDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Delivery(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Deliveries.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) SessionCreated(channel string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(channel).Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
}

func (m *Metrics) CredentialRefreshed(result string) {
	if m == nil {
		return
	}
	m.CredentialRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsPurged.Add(float64(n))
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.EventSinkDecodeErr.Inc()
}
