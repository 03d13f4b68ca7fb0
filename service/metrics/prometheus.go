package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authsync"

// Metrics holds the Prometheus metrics of the coordination subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RefreshTotal        *prometheus.CounterVec
	RefreshNetworkCalls prometheus.Counter
	LeaderTransitions   *prometheus.CounterVec
	BusDropped          *prometheus.CounterVec
	BusPublished        *prometheus.CounterVec
	LogoutTotal         *prometheus.CounterVec
	StorageErrors       *prometheus.CounterVec
	SessionStatus       *prometheus.GaugeVec
	SessionSyncTotal    *prometheus.CounterVec
	RelayConnections    prometheus.Gauge
	RelayFrames         *prometheus.CounterVec
}

// New creates and registers the metrics on reg. A nil reg uses a private
// registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh flights by outcome",
		}, []string{"result"}),
		RefreshNetworkCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_network_calls_total",
			Help:      "Refresh requests sent to the auth server",
		}),
		LeaderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leader_transitions_total",
			Help:      "Leader elector state transitions by target state",
		}, []string{"state"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Broadcast messages discarded on receipt",
		}, []string{"reason"}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Broadcast messages published by type",
		}, []string{"type"}),
		LogoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_total",
			Help:      "Logouts by reason",
		}, []string{"reason"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Shared store failures absorbed in degraded mode",
		}, []string{"op"}),
		SessionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status of this context",
		}, []string{"status"}),
		SessionSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_sync_total",
			Help:      "Session sync calls by result",
		}, []string{"result"}),
		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open websocket connections on the relay",
		}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Relay frames by outcome",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.RefreshTotal,
		m.RefreshNetworkCalls,
		m.LeaderTransitions,
		m.BusDropped,
		m.BusPublished,
		m.LogoutTotal,
		m.StorageErrors,
		m.SessionStatus,
		m.SessionSyncTotal,
		m.RelayConnections,
		m.RelayFrames,
	)
	return m
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RefreshCall() {
	if m == nil {
		return
	}
	m.RefreshNetworkCalls.Inc()
}

func (m *Metrics) LeaderState(state string) {
	if m == nil {
		return
	}
	m.LeaderTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.BusDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Published(typ string) {
	if m == nil {
		return
	}
	m.BusPublished.WithLabelValues(typ).Inc()
}

func (m *Metrics) Logout(reason string) {
	if m == nil {
		return
	}
	m.LogoutTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionSync(result string) {
	if m == nil {
		return
	}
	m.SessionSyncTotal.WithLabelValues(result).Inc()
}

// SetSessionStatus marks status as current and clears the others.
func (m *Metrics) SetSessionStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RelayConn(delta float64) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(delta)
}

func (m *Metrics) RelayFrame(result string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(result).Inc()
}
