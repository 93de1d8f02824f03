// Package metrics adapts the prometheus.Collector pattern to voicecore's
// data-plane stats: router/channel RoutingStats, mixer lifetime stats, and
// mix pool health/load, gathered at scrape time via small provider
// interfaces rather than direct package imports (keeps metrics decoupled
// from router/mixer/mixpool internals).
package metrics

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ChannelSnapshot is one channel's routing stats at scrape time.
type ChannelSnapshot struct {
	ChannelID       uuid.UUID
	PacketsReceived uint64
	PacketsRouted   uint64
	PacketsSent     uint64
	BytesRx         uint64
	BytesTx         uint64
	ConnectedUsers  int
	ActiveUsers     int
	PacketLossRate  float64
	JitterMs        float64
	QualityScore    float64
}

// RoutingStatsProvider exposes every active channel's routing stats.
type RoutingStatsProvider interface {
	ChannelSnapshots() []ChannelSnapshot
}

// MixerSnapshot is one channel's lifetime mixing stats at scrape time.
type MixerSnapshot struct {
	ChannelID        uuid.UUID
	TotalMixes       uint64
	TotalVoicesMixed uint64
	ClippingEvents   uint64
}

// MixerStatsProvider exposes every channel's lifetime mixer stats.
type MixerStatsProvider interface {
	MixerSnapshots() []MixerSnapshot
}

// PoolStatsProvider exposes the mix thread pool's health metrics.
type PoolStatsProvider interface {
	ActiveWorkers() int
	QueueDepth() int
	PeakQueue() int
	Completed() uint64
	Failed() uint64
	AvgProcessingMs() float64
	Healthy() bool
}

// ServerStatsProvider exposes datagram-server-level drop counters.
type ServerStatsProvider interface {
	DroppedInvalidSource() uint64
	DroppedRateLimited() uint64
	DroppedFraming() uint64
	ActiveConnections() int
}

// Collector is a prometheus.Collector gathering voicecore's data-plane
// metrics at scrape time. Any provider may be nil if unavailable.
type Collector struct {
	routing RoutingStatsProvider
	mixing  MixerStatsProvider
	pool    PoolStatsProvider
	server  ServerStatsProvider
	start   time.Time

	packetsReceivedDesc *prometheus.Desc
	packetsRoutedDesc   *prometheus.Desc
	packetsSentDesc     *prometheus.Desc
	bytesRxDesc         *prometheus.Desc
	bytesTxDesc         *prometheus.Desc
	connectedUsersDesc  *prometheus.Desc
	activeUsersDesc     *prometheus.Desc
	packetLossDesc      *prometheus.Desc
	jitterDesc          *prometheus.Desc
	qualityScoreDesc    *prometheus.Desc

	mixesTotalDesc     *prometheus.Desc
	voicesMixedDesc    *prometheus.Desc
	clippingEventsDesc *prometheus.Desc

	poolActiveWorkersDesc *prometheus.Desc
	poolQueueDepthDesc    *prometheus.Desc
	poolPeakQueueDesc     *prometheus.Desc
	poolCompletedDesc     *prometheus.Desc
	poolFailedDesc        *prometheus.Desc
	poolAvgLatencyDesc    *prometheus.Desc
	poolHealthyDesc       *prometheus.Desc

	serverDroppedInvalidDesc *prometheus.Desc
	serverDroppedRateDesc    *prometheus.Desc
	serverDroppedFramingDesc *prometheus.Desc
	serverConnectionsDesc    *prometheus.Desc

	uptimeDesc *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(routing RoutingStatsProvider, mixing MixerStatsProvider, pool PoolStatsProvider, server ServerStatsProvider, start time.Time) *Collector {
	channelLabels := []string{"channel_id"}
	return &Collector{
		routing: routing,
		mixing:  mixing,
		pool:    pool,
		server:  server,
		start:   start,

		packetsReceivedDesc: prometheus.NewDesc("voicecore_channel_packets_received_total", "Total audio packets received on a channel", channelLabels, nil),
		packetsRoutedDesc:   prometheus.NewDesc("voicecore_channel_packets_routed_total", "Total packets routed (mix jobs or raw forwards) for a channel", channelLabels, nil),
		packetsSentDesc:     prometheus.NewDesc("voicecore_channel_packets_sent_total", "Total recipient sends for a channel", channelLabels, nil),
		bytesRxDesc:         prometheus.NewDesc("voicecore_channel_bytes_rx_total", "Total ingress bytes for a channel", channelLabels, nil),
		bytesTxDesc:         prometheus.NewDesc("voicecore_channel_bytes_tx_total", "Total egress bytes for a channel", channelLabels, nil),
		connectedUsersDesc:  prometheus.NewDesc("voicecore_channel_connected_users", "Connected member count for a channel", channelLabels, nil),
		activeUsersDesc:     prometheus.NewDesc("voicecore_channel_active_users", "Active (speaking) user count for a channel", channelLabels, nil),
		packetLossDesc:      prometheus.NewDesc("voicecore_channel_packet_loss_rate", "Blended packet loss rate for a channel", channelLabels, nil),
		jitterDesc:          prometheus.NewDesc("voicecore_channel_jitter_ms", "Blended jitter estimate in milliseconds for a channel", channelLabels, nil),
		qualityScoreDesc:    prometheus.NewDesc("voicecore_channel_quality_score", "Blended jitter-buffer quality score for a channel", channelLabels, nil),

		mixesTotalDesc:     prometheus.NewDesc("voicecore_channel_mixes_total", "Total mix operations performed for a channel", channelLabels, nil),
		voicesMixedDesc:    prometheus.NewDesc("voicecore_channel_voices_mixed_total", "Total voices mixed (lifetime sum) for a channel", channelLabels, nil),
		clippingEventsDesc: prometheus.NewDesc("voicecore_channel_clipping_events_total", "Total clipping events detected for a channel", channelLabels, nil),

		poolActiveWorkersDesc: prometheus.NewDesc("voicecore_mixpool_active_workers", "Currently busy mix pool workers", nil, nil),
		poolQueueDepthDesc:    prometheus.NewDesc("voicecore_mixpool_queue_depth", "Current mix pool queue depth", nil, nil),
		poolPeakQueueDesc:     prometheus.NewDesc("voicecore_mixpool_peak_queue", "Peak mix pool queue depth observed", nil, nil),
		poolCompletedDesc:     prometheus.NewDesc("voicecore_mixpool_completed_total", "Total mix jobs completed", nil, nil),
		poolFailedDesc:        prometheus.NewDesc("voicecore_mixpool_failed_total", "Total mix jobs dropped (queue full or deadline)", nil, nil),
		poolAvgLatencyDesc:    prometheus.NewDesc("voicecore_mixpool_avg_latency_ms", "Exponentially-smoothed average mix processing time", nil, nil),
		poolHealthyDesc:       prometheus.NewDesc("voicecore_mixpool_healthy", "1 if the mix pool is within its real-time budget, else 0", nil, nil),

		serverDroppedInvalidDesc: prometheus.NewDesc("voicecore_server_dropped_invalid_source_total", "Packets dropped for unknown user/channel or not-a-member", nil, nil),
		serverDroppedRateDesc:    prometheus.NewDesc("voicecore_server_dropped_rate_limited_total", "Packets dropped by the per-endpoint ingress rate limiter", nil, nil),
		serverDroppedFramingDesc: prometheus.NewDesc("voicecore_server_dropped_framing_total", "Packets dropped for framing errors", nil, nil),
		serverConnectionsDesc:    prometheus.NewDesc("voicecore_server_active_connections", "Active connection table entries", nil, nil),

		uptimeDesc: prometheus.NewDesc("voicecore_uptime_seconds", "Seconds since the voicecore process started", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsReceivedDesc
	ch <- c.packetsRoutedDesc
	ch <- c.packetsSentDesc
	ch <- c.bytesRxDesc
	ch <- c.bytesTxDesc
	ch <- c.connectedUsersDesc
	ch <- c.activeUsersDesc
	ch <- c.packetLossDesc
	ch <- c.jitterDesc
	ch <- c.qualityScoreDesc
	ch <- c.mixesTotalDesc
	ch <- c.voicesMixedDesc
	ch <- c.clippingEventsDesc
	ch <- c.poolActiveWorkersDesc
	ch <- c.poolQueueDepthDesc
	ch <- c.poolPeakQueueDesc
	ch <- c.poolCompletedDesc
	ch <- c.poolFailedDesc
	ch <- c.poolAvgLatencyDesc
	ch <- c.poolHealthyDesc
	ch <- c.serverDroppedInvalidDesc
	ch <- c.serverDroppedRateDesc
	ch <- c.serverDroppedFramingDesc
	ch <- c.serverConnectionsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.routing != nil {
		for _, s := range c.routing.ChannelSnapshots() {
			id := s.ChannelID.String()
			ch <- prometheus.MustNewConstMetric(c.packetsReceivedDesc, prometheus.CounterValue, float64(s.PacketsReceived), id)
			ch <- prometheus.MustNewConstMetric(c.packetsRoutedDesc, prometheus.CounterValue, float64(s.PacketsRouted), id)
			ch <- prometheus.MustNewConstMetric(c.packetsSentDesc, prometheus.CounterValue, float64(s.PacketsSent), id)
			ch <- prometheus.MustNewConstMetric(c.bytesRxDesc, prometheus.CounterValue, float64(s.BytesRx), id)
			ch <- prometheus.MustNewConstMetric(c.bytesTxDesc, prometheus.CounterValue, float64(s.BytesTx), id)
			ch <- prometheus.MustNewConstMetric(c.connectedUsersDesc, prometheus.GaugeValue, float64(s.ConnectedUsers), id)
			ch <- prometheus.MustNewConstMetric(c.activeUsersDesc, prometheus.GaugeValue, float64(s.ActiveUsers), id)
			ch <- prometheus.MustNewConstMetric(c.packetLossDesc, prometheus.GaugeValue, s.PacketLossRate, id)
			ch <- prometheus.MustNewConstMetric(c.jitterDesc, prometheus.GaugeValue, s.JitterMs, id)
			ch <- prometheus.MustNewConstMetric(c.qualityScoreDesc, prometheus.GaugeValue, s.QualityScore, id)
		}
	}

	if c.mixing != nil {
		for _, s := range c.mixing.MixerSnapshots() {
			id := s.ChannelID.String()
			ch <- prometheus.MustNewConstMetric(c.mixesTotalDesc, prometheus.CounterValue, float64(s.TotalMixes), id)
			ch <- prometheus.MustNewConstMetric(c.voicesMixedDesc, prometheus.CounterValue, float64(s.TotalVoicesMixed), id)
			ch <- prometheus.MustNewConstMetric(c.clippingEventsDesc, prometheus.CounterValue, float64(s.ClippingEvents), id)
		}
	}

	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(c.poolActiveWorkersDesc, prometheus.GaugeValue, float64(c.pool.ActiveWorkers()))
		ch <- prometheus.MustNewConstMetric(c.poolQueueDepthDesc, prometheus.GaugeValue, float64(c.pool.QueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.poolPeakQueueDesc, prometheus.GaugeValue, float64(c.pool.PeakQueue()))
		ch <- prometheus.MustNewConstMetric(c.poolCompletedDesc, prometheus.CounterValue, float64(c.pool.Completed()))
		ch <- prometheus.MustNewConstMetric(c.poolFailedDesc, prometheus.CounterValue, float64(c.pool.Failed()))
		ch <- prometheus.MustNewConstMetric(c.poolAvgLatencyDesc, prometheus.GaugeValue, c.pool.AvgProcessingMs())
		healthy := 0.0
		if c.pool.Healthy() {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.poolHealthyDesc, prometheus.GaugeValue, healthy)
	}

	if c.server != nil {
		ch <- prometheus.MustNewConstMetric(c.serverDroppedInvalidDesc, prometheus.CounterValue, float64(c.server.DroppedInvalidSource()))
		ch <- prometheus.MustNewConstMetric(c.serverDroppedRateDesc, prometheus.CounterValue, float64(c.server.DroppedRateLimited()))
		ch <- prometheus.MustNewConstMetric(c.serverDroppedFramingDesc, prometheus.CounterValue, float64(c.server.DroppedFraming()))
		ch <- prometheus.MustNewConstMetric(c.serverConnectionsDesc, prometheus.GaugeValue, float64(c.server.ActiveConnections()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.start).Seconds())
}
