// Package metrics exposes the broker's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerchat"

type Metrics struct {
	availableListeners prometheus.Gauge
	waitingSeekers     prometheus.Gauge
	activeRooms        prometheus.Gauge
	connections        prometheus.Gauge
	roomsStarted       prometheus.Counter
	roomsClosed        *prometheus.CounterVec
	protocolErrors     *prometheus.CounterVec

	sends        *prometheus.CounterVec
	throttleWait *prometheus.HistogramVec
	ledgerDrops  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		availableListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "available_listeners",
			Help: "Listeners currently online and not in a room.",
		}),
		waitingSeekers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting_seekers",
			Help: "Seekers with a pending chat request.",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_rooms",
			Help: "Rooms currently paired.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Authenticated connections registered with the hub.",
		}),
		roomsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_started_total",
			Help: "Rooms created by an accepted request.",
		}),
		roomsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_closed_total",
			Help: "Rooms torn down, by reason.",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total",
			Help: "chat.error events sent, by code.",
		}, []string{"code"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "throttle", Name: "sends_total",
			Help: "Throttled send outcomes.",
		}, []string{"result"}),
		throttleWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "throttle", Name: "wait_seconds",
			Help:    "Time spent waiting before a send attempt.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"reason"}),
		ledgerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "dropped_total",
			Help: "Session events dropped because the ledger buffer was full.",
		}),
	}
	reg.MustRegister(
		m.availableListeners, m.waitingSeekers, m.activeRooms, m.connections,
		m.roomsStarted, m.roomsClosed, m.protocolErrors,
		m.sends, m.throttleWait, m.ledgerDrops,
	)
	return m
}

// Presence records the registry sizes after a mutation.
func (m *Metrics) Presence(connections, available, waiting, rooms int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.availableListeners.Set(float64(available))
	m.waitingSeekers.Set(float64(waiting))
	m.activeRooms.Set(float64(rooms))
}

func (m *Metrics) RoomStarted() {
	if m == nil {
		return
	}
	m.roomsStarted.Inc()
}

func (m *Metrics) RoomClosed(reason string) {
	if m == nil {
		return
	}
	m.roomsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProtocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) Wait(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.throttleWait.WithLabelValues(reason).Observe(d.Seconds())
}

func (m *Metrics) LedgerDrop() {
	if m == nil {
		return
	}
	m.ledgerDrops.Inc()
}
