package tempest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Connection/listener updates
// as frames and handshakes happen (grounded on the h3ws2h1ws-proxy
// main.go pattern of package-level CounterVec/Gauge collectors, adapted
// to an explicit instance per Server/Client instead of package globals —
// consistent with spec.md §9's "not ambient singletons" policy, which
// this implementation applies uniformly to all shared mutable state).
type Metrics struct {
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	ActiveConnections prometheus.Gauge

	HandshakeOutcomes *prometheus.CounterVec
	Retransmits       prometheus.Counter
	PingTimeouts      prometheus.Counter
}

// NewMetrics constructs a fresh Metrics collector set. Register it with a
// prometheus.Registerer of the caller's choosing; it is not registered
// with the global default registry automatically.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_frames_sent_total",
			Help: "Frames written to a transport.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_frames_received_total",
			Help: "Frames parsed from a transport.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_bytes_sent_total",
			Help: "Bytes written to transports.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_bytes_received_total",
			Help: "Bytes read from transports.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tempest_active_connections",
			Help: "Connections currently in the Connected state.",
		}),
		HandshakeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tempest_handshake_outcomes_total",
			Help: "Handshake completions by ConnectionResult.",
		}, []string{"result"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_udp_retransmits_total",
			Help: "UDP reliable-message retransmissions.",
		}),
		PingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tempest_ping_timeouts_total",
			Help: "Connections dropped for failing to pong in time.",
		}),
	}
}

// Collectors returns every collector in m, for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.BytesSent, m.BytesReceived,
		m.ActiveConnections, m.HandshakeOutcomes, m.Retransmits, m.PingTimeouts,
	}
}

// observeHandshake records a handshake outcome if m is non-nil, so
// callers can pass a nil Metrics when metrics aren't wired up.
func (m *Metrics) observeHandshake(result ConnectionResult) {
	if m == nil {
		return
	}
	m.HandshakeOutcomes.WithLabelValues(result.String()).Inc()
}

// The following helpers all tolerate a nil receiver so call sites never
// need to branch on whether metrics were wired up for a connection.

func (m *Metrics) addBytesReceived(n int64) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) addFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) addFrameSent(bytes int64) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) addRetransmit() {
	if m == nil {
		return
	}
	m.Retransmits.Inc()
}

func (m *Metrics) addPingTimeout() {
	if m == nil {
		return
	}
	m.PingTimeouts.Inc()
}

func (m *Metrics) setActiveConnections(delta float64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(delta)
}
