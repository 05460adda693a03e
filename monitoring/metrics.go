package monitoring

import (
	"strconv"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vanguards"

// Metrics holds the controller's Prometheus collectors. They live in a
// private registry so tests and repeated sessions do not clash.
type Metrics struct {
	registry *prometheus.Registry

	layerGuards    *prometheus.GaugeVec
	stateRevision  prometheus.Gauge
	relays         prometheus.Gauge
	events         *prometheus.CounterVec
	droppedEvents  prometheus.Gauge
	alerts         *prometheus.CounterVec
	suppressed     *prometheus.CounterVec
	closedCircuits *prometheus.CounterVec
	rendUses       prometheus.Gauge
	reconnects     prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics(clk clock.Clock) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		layerGuards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_guards",
			Help:      "Number of guards in each vanguard layer.",
		}, []string{"layer"}),
		stateRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_revision",
			Help:      "Revision of the persisted vanguard state.",
		}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_relays",
			Help:      "Relays in the current consensus snapshot.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Tor events dispatched, by type.",
		}, []string{"type"}),
		droppedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped",
			Help:      "Tor events dropped by the event queue.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted, by kind.",
		}, []string{"kind"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by rate limiting, by kind.",
		}, []string{"kind"}),
		closedCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_closed_total",
			Help:      "Circuits we asked Tor to close, by detector.",
		}, []string{"detector"}),
		rendUses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rend_uses",
			Help:      "Scaled rendezvous point use count.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Control connection attempts after a failure.",
		}),
	}

	startTime := clk.Now()
	m.registry.MustRegister(
		m.layerGuards, m.stateRevision, m.relays, m.events,
		m.droppedEvents, m.alerts, m.suppressed, m.closedCircuits,
		m.rendUses, m.reconnects,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Uptime of the controller in seconds.",
		}, func() float64 {
			return clk.Now().Sub(startTime).Seconds()
		}),
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetLayer records the size of a vanguard layer.
func (m *Metrics) SetLayer(layer, guards int) {
	m.layerGuards.WithLabelValues(strconv.Itoa(layer)).Set(float64(guards))
}

// SetStateRevision records the persisted state revision.
func (m *Metrics) SetStateRevision(rev uint64) {
	m.stateRevision.Set(float64(rev))
}

// SetRelays records the consensus size.
func (m *Metrics) SetRelays(n int) {
	m.relays.Set(float64(n))
}

// Event counts a dispatched event.
func (m *Metrics) Event(kind string) {
	m.events.WithLabelValues(kind).Inc()
}

// SetDroppedEvents records the event queue's drop count.
func (m *Metrics) SetDroppedEvents(n uint64) {
	m.droppedEvents.Set(float64(n))
}

// Alert counts an emitted alert.
func (m *Metrics) Alert(kind string) {
	m.alerts.WithLabelValues(kind).Inc()
}

// Suppressed counts a rate limited alert.
func (m *Metrics) Suppressed(kind string) {
	m.suppressed.WithLabelValues(kind).Inc()
}

// CircuitClosed counts a close request.
func (m *Metrics) CircuitClosed(detector string) {
	m.closedCircuits.WithLabelValues(detector).Inc()
}

// SetRendUses records the rendezvous use total.
func (m *Metrics) SetRendUses(total float64) {
	m.rendUses.Set(total)
}

// Reconnect counts a reconnection attempt.
func (m *Metrics) Reconnect() {
	m.reconnects.Inc()
}
