package chatterbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-side prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	messages   *prometheus.CounterVec
	ackLatency prometheus.Histogram
	calls      *prometheus.CounterVec
	reconnects prometheus.Counter
	pushes     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "messages_sent_total",
			Help:      "Outgoing messages by outcome.",
		}, []string{"outcome"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatterbox",
			Name:      "send_ack_seconds",
			Help:      "Time from send-message emission to acknowledgement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "calls_total",
			Help:      "Call sessions by terminal result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "transport_reconnects_total",
			Help:      "Reconnection attempts of the transport channel.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "push_events_total",
			Help:      "Pushed events received by event name.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.ackLatency, m.calls, m.reconnects, m.pushes)
	}
	return m
}

func (m *Metrics) messageOutcome(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeAck(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d.Seconds())
}

func (m *Metrics) callResult(result string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) pushEvent(event string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(event).Inc()
}
