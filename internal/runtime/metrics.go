package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics tracks message-flow statistics. A nil *BusMetrics is a valid
// no-op collector, so components record unconditionally.
type BusMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	consumedTotal    *prometheus.CounterVec
	failedTotal      *prometheus.CounterVec
	restartsTotal    *prometheus.CounterVec
	listenersActive  *prometheus.GaugeVec
	publishedTotal   *prometheus.CounterVec
}

// newBusCounterVec creates a counter vec in the standard lanebus namespace.
func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lanebus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newBusGaugeVec creates a gauge vec in the standard lanebus namespace.
func newBusGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lanebus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewBusMetrics creates a metrics collector for registerer (the default
// Prometheus registerer when nil). Register performs the registration.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		registerer:      registerer,
		consumedTotal:   newBusCounterVec("messages_consumed_total", "Messages handled successfully", []string{"endpoint", "label"}),
		failedTotal:     newBusCounterVec("messages_failed_total", "Messages handed to the failed-delivery strategy", []string{"endpoint", "label", "reason"}),
		restartsTotal:   newBusCounterVec("listener_restarts_total", "Listener rebuilds after unexpected stops", []string{"endpoint"}),
		listenersActive: newBusGaugeVec("listeners_active", "Listeners currently consuming", []string{"endpoint"}),
		publishedTotal:  newBusCounterVec("messages_published_total", "Messages published", []string{"endpoint", "label"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.consumedTotal,
		m.failedTotal,
		m.restartsTotal,
		m.listenersActive,
		m.publishedTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *BusMetrics) MessageConsumed(endpoint, label string) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(endpoint, label).Inc()
}

func (m *BusMetrics) MessageFailed(endpoint, label, reason string) {
	if m == nil {
		return
	}
	m.failedTotal.WithLabelValues(endpoint, label, reason).Inc()
}

func (m *BusMetrics) MessagePublished(endpoint, label string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(endpoint, label).Inc()
}

func (m *BusMetrics) ListenerRestarted(endpoint string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(endpoint).Inc()
}

func (m *BusMetrics) ListenerStarted(endpoint string) {
	if m == nil {
		return
	}
	m.listenersActive.WithLabelValues(endpoint).Inc()
}

func (m *BusMetrics) ListenerStopped(endpoint string) {
	if m == nil {
		return
	}
	m.listenersActive.WithLabelValues(endpoint).Dec()
}
