package main

import (
	"github.com/audiorelay/voicecore/internal/metrics"
	"github.com/audiorelay/voicecore/internal/mixer"
	"github.com/audiorelay/voicecore/internal/mixpool"
	"github.com/audiorelay/voicecore/internal/router"
	"github.com/audiorelay/voicecore/internal/server"
)

// routingSnapshotAdapter implements metrics.RoutingStatsProvider over a
// *router.Router without router needing to import the metrics package.
type routingSnapshotAdapter struct {
	core *router.Router
}

func (a *routingSnapshotAdapter) ChannelSnapshots() []metrics.ChannelSnapshot {
	ids := a.core.ChannelIDs()
	out := make([]metrics.ChannelSnapshot, 0, len(ids))
	for _, id := range ids {
		stats, err := a.core.Stats(id)
		if err != nil {
			continue
		}
		score := 0.0
		if report, err := a.core.AnalyzeChannel(id); err == nil {
			score = report.QualityScore
		}
		out = append(out, metrics.ChannelSnapshot{
			ChannelID:       id,
			PacketsReceived: stats.PacketsReceived,
			PacketsRouted:   stats.PacketsRouted,
			PacketsSent:     stats.PacketsSent,
			BytesRx:         stats.BytesRx,
			BytesTx:         stats.BytesTx,
			ConnectedUsers:  stats.ConnectedUsers,
			ActiveUsers:     stats.ActiveUsers,
			PacketLossRate:  stats.PacketLossRate,
			JitterMs:        stats.JitterMs,
			QualityScore:    score,
		})
	}
	return out
}

// mixerSnapshotAdapter implements metrics.MixerStatsProvider over a *mixer.Mixer.
type mixerSnapshotAdapter struct {
	mix *mixer.Mixer
}

func (a *mixerSnapshotAdapter) MixerSnapshots() []metrics.MixerSnapshot {
	ids := a.mix.ChannelIDs()
	out := make([]metrics.MixerSnapshot, 0, len(ids))
	for _, id := range ids {
		s := a.mix.ChannelStats(id)
		out = append(out, metrics.MixerSnapshot{
			ChannelID:        id,
			TotalMixes:       s.TotalMixes,
			TotalVoicesMixed: s.TotalVoicesMixed,
			ClippingEvents:   s.ClippingEvents,
		})
	}
	return out
}

// poolSnapshotAdapter implements metrics.PoolStatsProvider over a *mixpool.Pool.
type poolSnapshotAdapter struct {
	pool *mixpool.Pool
}

func (a *poolSnapshotAdapter) ActiveWorkers() int     { return a.pool.Stats().ActiveWorkers }
func (a *poolSnapshotAdapter) QueueDepth() int        { return a.pool.Stats().QueueDepth }
func (a *poolSnapshotAdapter) PeakQueue() int         { return a.pool.Stats().PeakQueue }
func (a *poolSnapshotAdapter) Completed() uint64      { return a.pool.Stats().Completed }
func (a *poolSnapshotAdapter) Failed() uint64         { return a.pool.Stats().Failed }
func (a *poolSnapshotAdapter) AvgProcessingMs() float64 { return a.pool.Stats().AvgProcessingMs }
func (a *poolSnapshotAdapter) Healthy() bool          { return a.pool.Healthy() }

// serverSnapshotAdapter implements metrics.ServerStatsProvider over a *server.Server.
type serverSnapshotAdapter struct {
	srv *server.Server
}

func (a *serverSnapshotAdapter) DroppedInvalidSource() uint64 { return a.srv.Stats().DroppedInvalidSource }
func (a *serverSnapshotAdapter) DroppedRateLimited() uint64   { return a.srv.Stats().DroppedRateLimited }
func (a *serverSnapshotAdapter) DroppedFraming() uint64       { return a.srv.Stats().DroppedFraming }
func (a *serverSnapshotAdapter) ActiveConnections() int       { return a.srv.Stats().ActiveConnections }
