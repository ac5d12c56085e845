// Package metrics exposes Prometheus instrumentation for the connection
// supervisor. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "client"

type Metrics struct {
	// Connection lifecycle
	state            *prometheus.GaugeVec // 1 for the current state, 0 otherwise
	connectAttempts  prometheus.Counter
	connectFailures  *prometheus.CounterVec // By reason: handshake, timeout, other
	connects         prometheus.Counter
	disconnects      *prometheus.CounterVec // By reason: receive, send, keepalive, flush
	retriesExhausted prometheus.Counter
	backoff          prometheus.Histogram

	// Traffic
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	messagesQueued   prometheus.Counter
	messagesDropped  prometheus.Counter
	queueDepth       prometheus.Gauge

	keepaliveFailures prometheus.Counter
	handlerPanics     prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg returns a nil *Metrics, which disables instrumentation.
func New(reg prometheus.Registerer, namespace string, labels prometheus.Labels) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "state",
			Help:        "Current connection state (1 for the active state)",
			ConstLabels: labels,
		}, []string{"state"}),
		connectAttempts: counter("connect_attempts_total", "Total number of connection attempts"),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connect_failures_total",
			Help:        "Total number of failed connection attempts",
			ConstLabels: labels,
		}, []string{"reason"}),
		connects: counter("connects_total", "Total number of established sessions"),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "disconnects_total",
			Help:        "Total number of lost sessions",
			ConstLabels: labels,
		}, []string{"reason"}),
		retriesExhausted: counter("retries_exhausted_total", "Total number of times the retry budget ran out"),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "backoff_seconds",
			Help:        "Delay waited before the next connection attempt",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		}),
		messagesSent:      counter("messages_sent_total", "Total number of messages written to a session"),
		messagesReceived:  counter("messages_received_total", "Total number of messages received"),
		messagesQueued:    counter("messages_queued_total", "Total number of messages parked in the outbound queue"),
		messagesDropped:   counter("messages_dropped_total", "Total number of queued messages discarded on overflow"),
		keepaliveFailures: counter("keepalive_failures_total", "Total number of failed keepalive probes"),
		handlerPanics:     counter("handler_panics_total", "Total number of recovered panics in the message handler"),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "queue_depth",
			Help:        "Messages waiting in the outbound queue",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.state, m.connectAttempts, m.connectFailures, m.connects, m.disconnects,
		m.retriesExhausted, m.backoff, m.messagesSent, m.messagesReceived,
		m.messagesQueued, m.messagesDropped, m.queueDepth, m.keepaliveFailures,
		m.handlerPanics,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetState marks name as the only active state.
func (m *Metrics) SetState(name string) {
	if m == nil {
		return
	}
	m.state.Reset()
	m.state.WithLabelValues(name).Set(1)
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) ConnectFailure(reason string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) RetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

func (m *Metrics) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoff.Observe(d.Seconds())
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

// MessagesSent adds n, used after a queue flush.
func (m *Metrics) MessagesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesSent.Add(float64(n))
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.messagesQueued.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) KeepaliveFailure() {
	if m == nil {
		return
	}
	m.keepaliveFailures.Inc()
}

func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}
