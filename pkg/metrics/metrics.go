// Package metrics exposes Prometheus collectors for the sync engine, its
// transports, and the relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loopsync"

type Metrics struct {
	framesReceived  *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState *prometheus.GaugeVec
	sendFailures    *prometheus.CounterVec
	pendingTimeouts prometheus.Counter
	duplicates      prometheus.Counter
	appended        prometheus.Counter
	historyLoads    *prometheus.CounterVec

	relayRequests *prometheus.CounterVec
	relayEvents   prometheus.Counter
	relayClients  prometheus.Gauge
}

var connectionStates = []string{"disconnected", "connecting", "open", "closing"}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Inbound frames received per transport variant.",
		}, []string{"transport"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unexpected close or dial failure.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "send_failures_total",
			Help:      "Sends rolled back, by reason.",
		}, []string{"reason"}),
		pendingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "pending_timeouts_total",
			Help:      "Pending placeholders rolled back because no echo arrived in time.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "duplicates_skipped_total",
			Help:      "Inbound records skipped because their identity was already seen.",
		}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "messages_appended_total",
			Help:      "Messages appended to the visible list.",
		}),
		historyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "loads_total",
			Help:      "History page loads by result.",
		}, []string{"result"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		relayEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_stored_total",
			Help:      "Events appended to the relay log.",
		}),
		relayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Live socket and stream subscribers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.reconnects,
			m.connectionState,
			m.sendFailures,
			m.pendingTimeouts,
			m.duplicates,
			m.appended,
			m.historyLoads,
			m.relayRequests,
			m.relayEvents,
			m.relayClients,
		)
	}
	return m
}

func (m *Metrics) FrameReceived(transport string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(transport).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionState flips the state gauge so exactly one label reads 1.
func (m *Metrics) ConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.connectionState.WithLabelValues(s).Set(value)
	}
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) PendingTimedOut() {
	if m == nil {
		return
	}
	m.pendingTimeouts.Inc()
}

func (m *Metrics) DuplicateSkipped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.appended.Inc()
}

func (m *Metrics) HistoryLoaded(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.historyLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) RelayRequest(route string, code int) {
	if m == nil {
		return
	}
	m.relayRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func (m *Metrics) RelayEventStored() {
	if m == nil {
		return
	}
	m.relayEvents.Inc()
}

func (m *Metrics) RelaySubscribers(delta int) {
	if m == nil {
		return
	}
	m.relayClients.Add(float64(delta))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
