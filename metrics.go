package parley

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments a session client. All methods are safe on a nil
// receiver, so instrumentation stays optional.
type Metrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	reactionsToggled prometheus.Counter

	opsEnqueued prometheus.Counter
	opsSent     prometheus.Counter
	opsFailed   prometheus.Counter
	opRetries   prometheus.Counter
	outboxDepth prometheus.Gauge

	reconnects      prometheus.Counter
	presenceExpired prometheus.Counter
}

// NewMetrics creates and registers the client metric set. A nil
// registerer targets the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Messages sent by the local participant.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_received_total",
			Help: "Messages received from other participants.",
		}),
		reactionsToggled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_reactions_toggled_total",
			Help: "Reactions toggled by the local participant.",
		}),
		opsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_outbox_ops_enqueued_total",
			Help: "Operations added to the sync queue.",
		}),
		opsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_outbox_ops_sent_total",
			Help: "Operations delivered to the server.",
		}),
		opsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_outbox_ops_failed_total",
			Help: "Operations that exhausted their retry budget.",
		}),
		opRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_outbox_op_retries_total",
			Help: "Delivery attempts that were retried.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_outbox_depth",
			Help: "Operations currently waiting in the sync queue.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_realtime_reconnects_total",
			Help: "Realtime reconnect attempts.",
		}),
		presenceExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_presence_expirations_total",
			Help: "Activity states expired back to idle by the local timer.",
		}),
	}
	reg.MustRegister(
		m.messagesSent,
		m.messagesReceived,
		m.reactionsToggled,
		m.opsEnqueued,
		m.opsSent,
		m.opsFailed,
		m.opRetries,
		m.outboxDepth,
		m.reconnects,
		m.presenceExpired,
	)
	return m
}

// MetricsHandler serves the default registry in Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) incMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) incMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) incReactions() {
	if m == nil {
		return
	}
	m.reactionsToggled.Inc()
}

func (m *Metrics) incEnqueued() {
	if m == nil {
		return
	}
	m.opsEnqueued.Inc()
}

func (m *Metrics) incSent() {
	if m == nil {
		return
	}
	m.opsSent.Inc()
}

func (m *Metrics) incFailed() {
	if m == nil {
		return
	}
	m.opsFailed.Inc()
}

func (m *Metrics) incRetries() {
	if m == nil {
		return
	}
	m.opRetries.Inc()
}

func (m *Metrics) setOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) incReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) incPresenceExpired() {
	if m == nil {
		return
	}
	m.presenceExpired.Inc()
}
