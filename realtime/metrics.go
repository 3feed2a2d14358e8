package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on arc_fanout_dropped_total.
const (
	dropNoLocalConnections = "no_local_connections"
	dropConnClosed         = "conn_closed"
	dropQueueFull          = "queue_full"
)

// Metrics holds the socket-state collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	published     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	received      *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	connections   *prometheus.GaugeVec
	handshakes    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg yields a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "published_total",
			Help: "Events published to the pub/sub transport.",
		}, []string{"kind"}),
		publishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "publish_errors_total",
			Help: "Events the transport failed to publish.",
		}, []string{"kind"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "received_total",
			Help: "Events received from the pub/sub transport.",
		}, []string{"kind"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "delivered_total",
			Help: "Event deliveries enqueued on local connections.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "dropped_total",
			Help: "Events or per-connection deliveries dropped locally.",
		}, []string{"reason"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "fanout", Name: "decode_errors_total",
			Help: "Transport messages that could not be decoded.",
		}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arc", Subsystem: "ws", Name: "connections",
			Help: "Live connections by authentication state.",
		}, []string{"state"}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arc", Subsystem: "ws", Name: "handshakes_total",
			Help: "Handshake outcomes.",
		}, []string{"result"}),
	}
}

func (m *Metrics) incPublished(kind TargetKind) {
	if m != nil {
		m.published.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incPublishError(kind TargetKind) {
	if m != nil {
		m.publishErrors.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incReceived(kind TargetKind) {
	if m != nil {
		m.received.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incDelivered(kind TargetKind) {
	if m != nil {
		m.delivered.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incDecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) connOpened(authenticated bool) {
	if m != nil {
		m.connections.WithLabelValues(connStateLabel(authenticated)).Inc()
	}
}

func (m *Metrics) connClosed(authenticated bool) {
	if m != nil {
		m.connections.WithLabelValues(connStateLabel(authenticated)).Dec()
	}
}

func (m *Metrics) incHandshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func connStateLabel(authenticated bool) string {
	if authenticated {
		return "authenticated"
	}
	return "anonymous"
}
