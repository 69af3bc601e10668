package diag

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/depkit/metric"
)

// serverMetrics is nil-safe
type serverMetrics struct {
	clients prometheus.Gauge
	sent    prometheus.Counter
	dropped prometheus.Counter
}

func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	m := &serverMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depkit",
			Subsystem: "diag",
			Name:      "event_clients",
			Help:      "Connected websocket event clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "diag",
			Name:      "events_sent_total",
			Help:      "Events written to websocket clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "diag",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a client queue was full",
		}),
	}
	if err := registry.RegisterGauge("diag", "event_clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("diag", "events_sent_total", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("diag", "events_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *serverMetrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *serverMetrics) recordSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *serverMetrics) recordDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
