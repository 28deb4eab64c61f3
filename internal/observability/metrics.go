package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the Agent Channel Manager:
// token flow control, chunk framing, file-transfer outcomes, and port
// forwarding. Grounded on the teacher's metrics.go (promauto registration,
// one Record* method per domain event, a Handler() for the scrape
// endpoint), renamed from transport/crypto/FEC-shard counters to the
// agent-channel's own events.
type Metrics struct {
	TokensCredited prometheus.Counter
	TokensSpent    prometheus.Counter
	ChunksFramed   *prometheus.CounterVec

	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal prometheus.Counter

	ForwardConnectionsOpened *prometheus.CounterVec
	ForwardConnectionsActive prometheus.Gauge
	ForwardWindowPausesTotal prometheus.Counter
	ForwardBytesTotal        *prometheus.CounterVec

	CapabilityNegotiationsTotal prometheus.Counter
}

// NewMetrics creates and registers every instrument.
func NewMetrics() *Metrics {
	return &Metrics{
		TokensCredited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchannel_tokens_credited_total",
			Help: "Tokens credited to the outbound queue by peer TOKEN messages",
		}),
		TokensSpent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchannel_tokens_spent_total",
			Help: "Tokens spent dequeuing a carrier chunk",
		}),
		ChunksFramed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchannel_chunks_framed_total",
			Help: "Carrier chunks produced by the Framer",
		}, []string{"direction"}),

		TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchannel_transfers_total",
			Help: "File transfer tasks, by terminal outcome",
		}, []string{"outcome"}),
		TransfersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentchannel_transfers_active",
			Help: "Transfer tasks currently in flight",
		}),
		TransferDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentchannel_transfer_duration_seconds",
			Help:    "Wall time from FILE_XFER_START to a terminal status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1200},
		}),
		BytesTransferredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchannel_bytes_transferred_total",
			Help: "Bytes of file-transfer payload sent to the guest",
		}),

		ForwardConnectionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchannel_forward_connections_opened_total",
			Help: "Forwarded TCP connections opened, by direction",
		}, []string{"direction"}),
		ForwardConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentchannel_forward_connections_active",
			Help: "Forwarded TCP connections currently open",
		}),
		ForwardWindowPausesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchannel_forward_window_pauses_total",
			Help: "Times a forwarded connection's read pump paused at the WINDOW boundary",
		}),
		ForwardBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchannel_forward_bytes_total",
			Help: "Bytes relayed over forwarded connections, by direction",
		}, []string{"direction"}),

		CapabilityNegotiationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchannel_capability_negotiations_total",
			Help: "ANNOUNCE_CAPABILITIES messages processed",
		}),
	}
}

// RecordTokensCredited records n tokens credited by a peer TOKEN message.
func (m *Metrics) RecordTokensCredited(n int) { m.TokensCredited.Add(float64(n)) }

// RecordChunkFramed records one carrier chunk produced in direction dir
// ("outbound" or "inbound").
func (m *Metrics) RecordChunkFramed(direction string) { m.ChunksFramed.WithLabelValues(direction).Inc() }

// RecordTransferStart marks one more transfer task in flight.
func (m *Metrics) RecordTransferStart() { m.TransfersActive.Inc() }

// RecordTransferComplete records a task's terminal outcome ("success",
// "cancelled", or "failed") and its duration.
func (m *Metrics) RecordTransferComplete(outcome string, durationSeconds float64, bytesSent uint64) {
	m.TransfersActive.Dec()
	m.TransfersTotal.WithLabelValues(outcome).Inc()
	m.TransferDuration.Observe(durationSeconds)
	m.BytesTransferredTotal.Add(float64(bytesSent))
}

// RecordForwardConnectionOpened records a new tunnel, keyed by "remote"
// (guest accepted) or "local" (host accepted).
func (m *Metrics) RecordForwardConnectionOpened(direction string) {
	m.ForwardConnectionsOpened.WithLabelValues(direction).Inc()
	m.ForwardConnectionsActive.Inc()
}

// RecordForwardConnectionClosed records a tunnel's teardown.
func (m *Metrics) RecordForwardConnectionClosed() { m.ForwardConnectionsActive.Dec() }

// RecordForwardWindowPause records a read pump pausing at WINDOW.
func (m *Metrics) RecordForwardWindowPause() { m.ForwardWindowPausesTotal.Inc() }

// RecordForwardBytes records n bytes relayed in direction dir ("sent" or
// "received").
func (m *Metrics) RecordForwardBytes(direction string, n int) {
	m.ForwardBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordCapabilityNegotiation records one processed ANNOUNCE_CAPABILITIES.
func (m *Metrics) RecordCapabilityNegotiation() { m.CapabilityNegotiationsTotal.Inc() }

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
