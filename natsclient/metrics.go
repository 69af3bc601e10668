package natsclient

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/depkit/metric"
)

// clientMetrics is nil-safe: a client built without WithMetrics records nothing
type clientMetrics struct {
	status    prometheus.Gauge
	published prometheus.Counter
	received  prometheus.Counter
}

func newClientMetrics(registry *metric.MetricsRegistry) (*clientMetrics, error) {
	m := &clientMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depkit",
			Subsystem: "nats",
			Name:      "connection_status",
			Help:      "NATS connection status (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 circuit open)",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "nats",
			Name:      "published_total",
			Help:      "Messages published",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "nats",
			Name:      "received_total",
			Help:      "Messages received by subscriptions",
		}),
	}
	if err := registry.RegisterGauge("natsclient", "connection_status", m.status); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("natsclient", "published_total", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("natsclient", "received_total", m.received); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) recordStatus(s ConnectionStatus) {
	if m != nil {
		m.status.Set(float64(s))
	}
}

func (m *clientMetrics) recordPublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *clientMetrics) recordReceived() {
	if m != nil {
		m.received.Inc()
	}
}
