package monitoring

import (
	"sharechannel/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records share channel sessions and rendezvous
// traffic. It satisfies ports.SessionRecorder.
type PrometheusCollector struct {
	// Session
	sessionsActive     *prometheus.GaugeVec
	sessionsTotal      *prometheus.CounterVec
	peersConnected     prometheus.Gauge
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	bytesSent          prometheus.Counter
	bytesReceived      prometheus.Counter
	joinTimeouts       prometheus.Counter
	peerErrors         *prometheus.CounterVec
	channelsDiscovered prometheus.Histogram

	// Rendezvous
	signalConnections prometheus.Gauge
	signalFrames      *prometheus.CounterVec
	signalRejected    *prometheus.CounterVec
}

// NewPrometheusCollector registers all metrics on reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sharechannel_sessions_active",
			Help: "Number of active sessions by role",
		}, []string{"role"}),

		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_sessions_total",
			Help: "Total number of sessions started by role",
		}, []string{"role"}),

		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharechannel_peers_connected",
			Help: "Number of open data connections",
		}),

		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_messages_sent_total",
			Help: "Frames sent by kind",
		}, []string{"kind"}),

		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_messages_received_total",
			Help: "Frames received by kind",
		}, []string{"kind"}),

		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sharechannel_sent_bytes_total",
			Help: "Total payload bytes sent",
		}),

		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sharechannel_received_bytes_total",
			Help: "Total payload bytes received",
		}),

		joinTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "sharechannel_join_timeouts_total",
			Help: "Join attempts that timed out",
		}),

		peerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_peer_errors_total",
			Help: "Peer errors by classified type",
		}, []string{"type"}),

		channelsDiscovered: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharechannel_discovery_channels",
			Help:    "Channels known after each discovery refresh",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}),

		signalConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "sharechannel_signal_connections",
			Help: "Open rendezvous websocket connections",
		}),

		signalFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_signal_frames_total",
			Help: "Signal frames handled by type and outcome",
		}, []string{"type", "outcome"}),

		signalRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharechannel_signal_rejected_total",
			Help: "Rejected rendezvous registrations by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) SessionStarted(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Inc()
	p.sessionsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionEnded(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) PeerConnected()    { p.peersConnected.Inc() }
func (p *PrometheusCollector) PeerDisconnected() { p.peersConnected.Dec() }

func (p *PrometheusCollector) MessageSent(kind string, bytes int) {
	p.messagesSent.WithLabelValues(kind).Inc()
	p.bytesSent.Add(float64(bytes))
}

func (p *PrometheusCollector) MessageReceived(kind string, bytes int) {
	p.messagesReceived.WithLabelValues(kind).Inc()
	p.bytesReceived.Add(float64(bytes))
}

func (p *PrometheusCollector) JoinTimedOut() { p.joinTimeouts.Inc() }

func (p *PrometheusCollector) PeerErrored(t domain.PeerErrorType) {
	p.peerErrors.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) ChannelsDiscovered(n int) {
	p.channelsDiscovered.Observe(float64(n))
}

func (p *PrometheusCollector) SignalConnected()    { p.signalConnections.Inc() }
func (p *PrometheusCollector) SignalDisconnected() { p.signalConnections.Dec() }

// SignalFrame counts one frame; outcome is "delivered", "relayed" or "expired".
func (p *PrometheusCollector) SignalFrame(frameType, outcome string) {
	p.signalFrames.WithLabelValues(frameType, outcome).Inc()
}

func (p *PrometheusCollector) SignalRejected(reason string) {
	p.signalRejected.WithLabelValues(reason).Inc()
}
