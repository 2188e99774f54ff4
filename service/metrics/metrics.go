package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the gateway collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	Connections       prometheus.Gauge
	Identified        prometheus.Gauge
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	BusPublished      prometheus.Counter
	BusPublishErrors  prometheus.Counter
	BusMalformed      prometheus.Counter
	Evictions         *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "connections",
			Help: "Open websocket connections, identified or not.",
		}),
		Identified: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "identified_connections",
			Help: "Connections registered after a successful handshake.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "events_delivered_total",
			Help: "EVENT frames queued to a connection.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "events_dropped_total",
			Help: "EVENT frames dropped because the connection was not writable.",
		}, []string{"event"}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "bus", Name: "published_total",
			Help: "Dispatch payloads published to the broadcast bus.",
		}),
		BusPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "bus", Name: "publish_errors_total",
			Help: "Publishes that failed or timed out.",
		}),
		BusMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "bus", Name: "malformed_total",
			Help: "Bus messages dropped because they could not be decoded.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "evictions_total",
			Help: "Connections closed by the gateway, by reason.",
		}, []string{"reason"}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "handshake_seconds",
			Help:    "Time from IDENTIFY to READY.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Identified, m.EventsDelivered, m.EventsDropped,
			m.BusPublished, m.BusPublishErrors, m.BusMalformed,
			m.Evictions, m.HandshakeDuration,
		)
	}
	return m
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetIdentified(n int) {
	if m != nil {
		m.Identified.Set(float64(n))
	}
}

func (m *Metrics) Delivered(event string) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Dropped(event string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BusPublishErrors.Inc()
		return
	}
	m.BusPublished.Inc()
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.BusMalformed.Inc()
	}
}

func (m *Metrics) Evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveHandshake(seconds float64) {
	if m != nil {
		m.HandshakeDuration.Observe(seconds)
	}
}
