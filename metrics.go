package gobayeux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics of a client
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "bayeux").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics. Use them to
	// tell several clients registered on the same registry apart.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "bayeux",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// clientMetrics is nil when metrics are disabled; every method is a no-op
// on a nil receiver
type clientMetrics struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	connectFailures   prometheus.Counter
	transportFailures *prometheus.CounterVec
	backoffSeconds    prometheus.Gauge
	pendingCallbacks  prometheus.Gauge
}

func newClientMetrics(config MetricsConfig) *clientMetrics {
	factory := promauto.With(config.Registry)

	return &clientMetrics{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of Bayeux messages handed to a transport",
			ConstLabels: config.ConstLabels,
		}, []string{"channel_type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of Bayeux messages received from the server",
			ConstLabels: config.ConstLabels,
		}, []string{"channel_type"}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total number of /meta/handshake replies by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_failures_total",
			Help:        "Total number of failed /meta/connect requests",
			ConstLabels: config.ConstLabels,
		}),

		transportFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_failures_total",
			Help:        "Total number of messages failed by a transport",
			ConstLabels: config.ConstLabels,
		}, []string{"transport"}),

		backoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "backoff_seconds",
			Help:        "Current backoff period",
			ConstLabels: config.ConstLabels,
		}),

		pendingCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_callbacks",
			Help:        "Number of requests waiting for a reply",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *clientMetrics) sent(messages []*Message) {
	if m == nil {
		return
	}
	for _, msg := range messages {
		m.messagesSent.WithLabelValues(string(msg.Channel.Type())).Inc()
	}
}

func (m *clientMetrics) received(msg *Message) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(string(msg.Channel.Type())).Inc()
}

func (m *clientMetrics) handshake(successful bool) {
	if m == nil {
		return
	}
	result := "failure"
	if successful {
		result = "success"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *clientMetrics) connectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *clientMetrics) transportFailed(transportType string, count int) {
	if m == nil {
		return
	}
	m.transportFailures.WithLabelValues(transportType).Add(float64(count))
}

func (m *clientMetrics) backoff(seconds float64) {
	if m == nil {
		return
	}
	m.backoffSeconds.Set(seconds)
}

func (m *clientMetrics) pending(count int) {
	if m == nil {
		return
	}
	m.pendingCallbacks.Set(float64(count))
}
