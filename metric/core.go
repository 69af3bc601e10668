package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core depkit metrics. Every Record method tolerates a nil
// receiver so packages can call them without checking whether metrics are on.
type Metrics struct {
	RegistryServices    prometheus.Gauge
	RegistryEvents      *prometheus.CounterVec
	DispatchQueueDepth  *prometheus.GaugeVec
	DispatchDelivered   *prometheus.CounterVec
	ListenerPanics      prometheus.Counter
	Components          *prometheus.GaugeVec
	CallbackFailures    *prometheus.CounterVec
	RoutingResolutions  *prometheus.CounterVec
	ConfigUpdates       *prometheus.CounterVec
	TransitionDurations *prometheus.HistogramVec
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		RegistryServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depkit",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of registered services",
		}),
		RegistryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Service events emitted by type",
		}, []string{"type"}),
		DispatchQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "depkit",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Events waiting in a subscriber mailbox",
		}, []string{"subscriber"}),
		DispatchDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "dispatch",
			Name:      "delivered_total",
			Help:      "Events delivered per subscriber",
		}, []string{"subscriber"}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depkit",
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked",
		}),
		Components: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "depkit",
			Name:      "components",
			Help:      "Components per lifecycle state",
		}, []string{"state"}),
		CallbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depkit",
			Name:      "callback_failures_total",
			Help:      "Lifecycle callbacks that returned an error or panicked",
		}, []string{"callback"}),
		RoutingResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "routing",
			Name:      "resolutions_total",
			Help:      "Path resolutions by result",
		}, []string{"result"}),
		ConfigUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depkit",
			Subsystem: "config",
			Name:      "updates_total",
			Help:      "Configuration changes by kind",
		}, []string{"kind"}),
		TransitionDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "depkit",
			Name:      "transition_duration_seconds",
			Help:      "Time spent running lifecycle callbacks for a transition",
			Buckets:   prometheus.DefBuckets,
		}, []string{"to"}),
	}
}

// MustRegister registers every core metric with reg
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RegistryServices,
		m.RegistryEvents,
		m.DispatchQueueDepth,
		m.DispatchDelivered,
		m.ListenerPanics,
		m.Components,
		m.CallbackFailures,
		m.RoutingResolutions,
		m.ConfigUpdates,
		m.TransitionDurations,
	)
}

// RecordServiceCount sets the number of registered services
func (m *Metrics) RecordServiceCount(n int) {
	if m == nil {
		return
	}
	m.RegistryServices.Set(float64(n))
}

// RecordServiceEvent counts a registry event
func (m *Metrics) RecordServiceEvent(eventType string) {
	if m == nil {
		return
	}
	m.RegistryEvents.WithLabelValues(eventType).Inc()
}

// RecordQueueDepth sets the mailbox depth of a subscriber
func (m *Metrics) RecordQueueDepth(subscriber string, depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// RecordDelivered counts one delivery to a subscriber
func (m *Metrics) RecordDelivered(subscriber string) {
	if m == nil {
		return
	}
	m.DispatchDelivered.WithLabelValues(subscriber).Inc()
}

// ForgetSubscriber drops the per-subscriber series once it is gone
func (m *Metrics) ForgetSubscriber(subscriber string) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.DeleteLabelValues(subscriber)
	m.DispatchDelivered.DeleteLabelValues(subscriber)
}

// RecordListenerPanic counts a recovered listener panic
func (m *Metrics) RecordListenerPanic() {
	if m == nil {
		return
	}
	m.ListenerPanics.Inc()
}

// RecordComponentTransition moves one component between state gauges.
// An empty from or to skips that side.
func (m *Metrics) RecordComponentTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Components.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Components.WithLabelValues(to).Inc()
	}
}

// RecordCallbackFailure counts a failed lifecycle callback
func (m *Metrics) RecordCallbackFailure(callback string) {
	if m == nil {
		return
	}
	m.CallbackFailures.WithLabelValues(callback).Inc()
}

// RecordResolution counts a path resolution, result is "hit" or "miss"
func (m *Metrics) RecordResolution(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.RoutingResolutions.WithLabelValues(result).Inc()
}

// RecordConfigUpdate counts a configuration change, kind is "updated" or "deleted"
func (m *Metrics) RecordConfigUpdate(kind string) {
	if m == nil {
		return
	}
	m.ConfigUpdates.WithLabelValues(kind).Inc()
}

// RecordTransitionDuration observes the callback time of a transition
func (m *Metrics) RecordTransitionDuration(to string, seconds float64) {
	if m == nil {
		return
	}
	m.TransitionDurations.WithLabelValues(to).Observe(seconds)
}
