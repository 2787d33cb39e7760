// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "prochub"

// Traffic directions.
const (
	DirectionUpstream   = "browser_to_device"
	DirectionDownstream = "device_to_browser"
)

// Metrics holds all bridge collectors. A nil *Metrics is valid and records
// nothing, so tests and tools can run without a registry.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionDuration     prometheus.Histogram
	SessionTransitions  *prometheus.CounterVec
	ConnectFailures     prometheus.Counter
	Reconnects          prometheus.Counter
	MessagesForwarded   *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	RequestsRejected    *prometheus.CounterVec
	ResponseTimeouts    prometheus.Counter
	HandshakesCompleted prometheus.Counter
}

// New registers the bridge collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Number of live browser sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Total number of browser sessions created",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "device_connect_failures_total",
			Help:      "Failed device connect attempts",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "device_reconnects_total",
			Help:      "Scheduled device reconnect attempts",
		}),
		MessagesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded by direction",
		}, []string{"direction"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by direction and reason",
		}, []string{"direction", "reason"}),
		RequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_rejected_total",
			Help:      "Browser requests rejected before reaching the device",
		}, []string{"reason"}),
		ResponseTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "response_timeouts_total",
			Help:      "Requests whose response did not arrive in time",
		}),
		HandshakesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handshakes_total",
			Help:      "Device handshakes detected or timed out into ready",
		}),
	}
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// Transition records a state change.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// ConnectFailed records a failed device connect.
func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

// Reconnect records a scheduled reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// Handshake records a session reaching ready.
func (m *Metrics) Handshake() {
	if m == nil {
		return
	}
	m.HandshakesCompleted.Inc()
}

// Forwarded records a forwarded message.
func (m *Metrics) Forwarded(direction string) {
	if m == nil {
		return
	}
	m.MessagesForwarded.WithLabelValues(direction).Inc()
}

// Dropped records a dropped message.
func (m *Metrics) Dropped(direction, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(direction, reason).Inc()
}

// Rejected records a rejected browser request.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RequestsRejected.WithLabelValues(reason).Inc()
}

// ResponseTimeout records an expired pending response.
func (m *Metrics) ResponseTimeout() {
	if m == nil {
		return
	}
	m.ResponseTimeouts.Inc()
}
