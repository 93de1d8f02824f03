// Package router implements per-channel membership, jitter-buffer
// ownership, fan-out, and the adaptive quality-mode policy, grounded on
// the original audio router (intelligent_route / analyze_channel_performance).
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/jitter"
	"github.com/audiorelay/voicecore/internal/wire"
)

// QualityMode is a per-channel policy tag influencing recipient selection,
// never payload.
type QualityMode int

const (
	ModeLow QualityMode = iota
	ModeMedium
	ModeHigh
	ModeAdaptive
)

func (m QualityMode) String() string {
	switch m {
	case ModeLow:
		return "Low"
	case ModeHigh:
		return "High"
	case ModeAdaptive:
		return "Adaptive"
	default:
		return "Medium"
	}
}

// Errors from the policy taxonomy: absorbed at the ingress loop, never
// surfaced as caller-visible exceptions in steady-state operation.
var (
	ErrUnknownUser    = errors.New("router: unknown user")
	ErrUnknownChannel = errors.New("router: unknown channel")
	ErrNotAMember     = errors.New("router: not a channel member")
)

// ChannelRoutingConfig is the per-channel routing policy surface.
type ChannelRoutingConfig struct {
	MaxUsers        int
	QualityMode     QualityMode
	LatencyTargetMs int
	BitrateHintKbps int
	EchoCancel      bool
	NoiseSuppress   bool
}

// DefaultChannelRoutingConfig returns sensible channel routing defaults.
func DefaultChannelRoutingConfig() ChannelRoutingConfig {
	return ChannelRoutingConfig{
		MaxUsers:        64,
		QualityMode:     ModeAdaptive,
		LatencyTargetMs: 100,
		BitrateHintKbps: 64,
	}
}

// RoutingStats holds running counters and derived rates for a channel.
type RoutingStats struct {
	PacketsReceived uint64
	PacketsRouted   uint64
	PacketsSent     uint64
	BytesRx         uint64
	BytesTx         uint64
	ConnectedUsers  int
	ActiveUsers     int
	AvgLatencyMs    float64
	PacketLossRate  float64
	JitterMs        float64
}

// PerformanceReport is the diagnostic summary exposed for observability.
type PerformanceReport struct {
	ChannelID       uuid.UUID
	Stats           RoutingStats
	QualityScore    float64
	Recommendations []string
}

type participantKey struct {
	userID    uuid.UUID
	channelID uuid.UUID
}

type channelState struct {
	mu      sync.RWMutex
	config  ChannelRoutingConfig
	members map[uuid.UUID]struct{}
	stats   RoutingStats
}

// Router owns jitter buffers keyed by (user, channel) and per-channel
// configs/stats. It never holds two buffer locks simultaneously. Transport
// endpoint resolution for fan-out is delegated to the injected
// directory.RecipientDirectory, the external collaborator named in the
// data plane's collaborator model; the router holds no endpoint table of
// its own.
type Router struct {
	shards   [shardCount]*shard
	channels sync.Map // uuid.UUID -> *channelState

	endpoints     directory.RecipientDirectory
	audioCapacity int
	nowFunc       func() time.Time
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	buffers map[participantKey]*jitter.JitterBuffer
}

func shardIndex(u uuid.UUID) int {
	var h uint32
	for _, b := range u {
		h = h*31 + uint32(b)
	}
	return int(h % shardCount)
}

// New creates a Router. audioCapacity sizes each participant's jitter
// buffer; endpoints resolves transport addresses for fan-out; nowFunc
// defaults to time.Now and is overridable for tests.
func New(audioCapacity int, endpoints directory.RecipientDirectory, nowFunc func() time.Time) *Router {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	r := &Router{audioCapacity: audioCapacity, endpoints: endpoints, nowFunc: nowFunc}
	for i := range r.shards {
		r.shards[i] = &shard{buffers: make(map[participantKey]*jitter.JitterBuffer)}
	}
	return r
}

func (r *Router) nowUs() uint64 {
	return jitter.NowUs(r.nowFunc())
}

func (r *Router) channel(channelID uuid.UUID) (*channelState, bool) {
	v, ok := r.channels.Load(channelID)
	if !ok {
		return nil, false
	}
	return v.(*channelState), true
}

// ConfigureChannel installs or replaces a channel's routing config, creating
// the channel if it doesn't yet exist.
func (r *Router) ConfigureChannel(channelID uuid.UUID, cfg ChannelRoutingConfig) {
	v, _ := r.channels.LoadOrStore(channelID, &channelState{
		config:  cfg,
		members: make(map[uuid.UUID]struct{}),
	})
	cs := v.(*channelState)
	cs.mu.Lock()
	cs.config = cfg
	cs.mu.Unlock()
}

// GetConfig returns a channel's current routing config.
func (r *Router) GetConfig(channelID uuid.UUID) (ChannelRoutingConfig, error) {
	cs, ok := r.channel(channelID)
	if !ok {
		return ChannelRoutingConfig{}, ErrUnknownChannel
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config, nil
}

// AddMember allocates the jitter buffer for (user, channel) and marks the
// user a channel member, creating the channel with default config if absent.
func (r *Router) AddMember(userID, channelID uuid.UUID) {
	v, _ := r.channels.LoadOrStore(channelID, &channelState{
		config:  DefaultChannelRoutingConfig(),
		members: make(map[uuid.UUID]struct{}),
	})
	cs := v.(*channelState)
	cs.mu.Lock()
	cs.members[userID] = struct{}{}
	cs.stats.ConnectedUsers = len(cs.members)
	cs.mu.Unlock()

	key := participantKey{userID, channelID}
	sh := r.shards[shardIndex(userID)]
	sh.mu.Lock()
	if _, exists := sh.buffers[key]; !exists {
		sh.buffers[key] = jitter.New(r.audioCapacity, 40_000)
	}
	sh.mu.Unlock()
}

// RemoveMember revokes membership and frees the (user, channel) jitter buffer.
func (r *Router) RemoveMember(userID, channelID uuid.UUID) {
	if cs, ok := r.channel(channelID); ok {
		cs.mu.Lock()
		delete(cs.members, userID)
		cs.stats.ConnectedUsers = len(cs.members)
		cs.mu.Unlock()
	}

	key := participantKey{userID, channelID}
	sh := r.shards[shardIndex(userID)]
	sh.mu.Lock()
	delete(sh.buffers, key)
	sh.mu.Unlock()
}

func (r *Router) isMember(userID, channelID uuid.UUID) bool {
	cs, ok := r.channel(channelID)
	if !ok {
		return false
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, member := cs.members[userID]
	return member
}

func (r *Router) buffer(userID, channelID uuid.UUID) (*jitter.JitterBuffer, bool) {
	key := participantKey{userID, channelID}
	sh := r.shards[shardIndex(userID)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	jb, ok := sh.buffers[key]
	return jb, ok
}

// Ingest validates membership, pushes into the sender's jitter buffer, and
// returns the recipient endpoints for fan-out (members minus sender,
// resolved against the injected recipient directory). A directory lookup
// failure is treated as no recipients found this round rather than a hard
// error, consistent with the oracle's tolerance for transient collaborator
// failures.
func (r *Router) Ingest(ctx context.Context, p *wire.AudioPacket, sourceEndpoint *net.UDPAddr) ([]*net.UDPAddr, error) {
	userID, channelID := p.Header.UserID, p.Header.ChannelID

	cs, ok := r.channel(channelID)
	if !ok {
		return nil, ErrUnknownChannel
	}
	if !r.isMember(userID, channelID) {
		return nil, ErrNotAMember
	}

	jb, ok := r.buffer(userID, channelID)
	if !ok {
		return nil, ErrUnknownUser
	}
	jb.Push(p)

	cs.mu.RLock()
	members := make([]uuid.UUID, 0, len(cs.members))
	for u := range cs.members {
		members = append(members, u)
	}
	cs.mu.RUnlock()
	for _, u := range members {
		if mjb, ok := r.buffer(u, channelID); ok {
			mjb.SetChannelLatestTimestamp(p.Header.TimestampUs)
		}
	}

	cs.mu.Lock()
	cs.stats.PacketsReceived++
	cs.stats.BytesRx += uint64(len(p.Payload))
	cs.mu.Unlock()

	return r.recipients(ctx, cs, channelID, userID), nil
}

func (r *Router) recipients(ctx context.Context, cs *channelState, channelID, sender uuid.UUID) []*net.UDPAddr {
	cs.mu.RLock()
	members := make(map[uuid.UUID]struct{}, len(cs.members))
	for u := range cs.members {
		if u != sender {
			members[u] = struct{}{}
		}
	}
	cs.mu.RUnlock()

	if len(members) == 0 || r.endpoints == nil {
		return nil
	}

	endpoints, err := r.endpoints.Endpoints(ctx, channelID)
	if err != nil {
		return nil
	}

	out := make([]*net.UDPAddr, 0, len(members))
	for u := range members {
		if addr, ok := endpoints[u]; ok {
			out = append(out, addr)
		}
	}
	return out
}

// Drain releases ready packets from a participant's jitter buffer, using
// synchronized release when the channel's resolved quality mode (see
// DecideQualityMode) is High (reserving retransmit-hint capability calls
// for tighter cross-participant sync).
func (r *Router) Drain(userID, channelID uuid.UUID) ([]*wire.AudioPacket, error) {
	jb, ok := r.buffer(userID, channelID)
	if !ok {
		return nil, ErrUnknownUser
	}
	mode, err := r.DecideQualityMode(channelID)
	if err != nil {
		return nil, err
	}

	now := r.nowUs()
	if mode == ModeHigh {
		return jb.DrainSynchronized(now), nil
	}
	return jb.DrainReady(now), nil
}

// Sweep calls SweepStale on every resident jitter buffer. Invoked on the
// server's ~5s tick.
func (r *Router) Sweep() int {
	now := r.nowUs()
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, jb := range sh.buffers {
			total += jb.SweepStale(now)
			jb.AutoTune()
		}
		sh.mu.RUnlock()
	}
	return total
}

// RecordDispatch updates per-channel send counters after a successful fan-out.
func (r *Router) RecordDispatch(channelID uuid.UUID, recipients int, bytes int) {
	cs, ok := r.channel(channelID)
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.stats.PacketsRouted++
	cs.stats.PacketsSent += uint64(recipients)
	cs.stats.BytesTx += uint64(bytes * recipients)
	cs.mu.Unlock()
}

// ChannelIDs returns every channel the router currently knows about
// (configured or having at least one member), for use by observability
// providers that need to enumerate channels to report per-channel metrics.
func (r *Router) ChannelIDs() []uuid.UUID {
	var out []uuid.UUID
	r.channels.Range(func(k, _ any) bool {
		out = append(out, k.(uuid.UUID))
		return true
	})
	return out
}

// Stats returns a channel's current RoutingStats, recomputing jitter/loss
// derived fields from its member jitter buffers.
func (r *Router) Stats(channelID uuid.UUID) (RoutingStats, error) {
	cs, ok := r.channel(channelID)
	if !ok {
		return RoutingStats{}, ErrUnknownChannel
	}

	cs.mu.RLock()
	members := make([]uuid.UUID, 0, len(cs.members))
	for u := range cs.members {
		members = append(members, u)
	}
	stats := cs.stats
	cs.mu.RUnlock()

	var lossSum, jitterSum float64
	active := 0
	for _, u := range members {
		jb, ok := r.buffer(u, channelID)
		if !ok {
			continue
		}
		q := jb.Quality()
		lossSum += q.DropRate
		jitterSum += q.JitterMs
		if jb.Stats().Fill > 0 {
			active++
		}
	}
	n := float64(len(members))
	if n > 0 {
		stats.PacketLossRate = lossSum / n
		stats.JitterMs = jitterSum / n
	}
	stats.ActiveUsers = active

	return stats, nil
}

// DecideQualityMode resolves the effective routing mode for a packet:
// configured modes are used verbatim except Adaptive, which is computed
// per-packet from current channel stats and never changes payload.
func (r *Router) DecideQualityMode(channelID uuid.UUID) (QualityMode, error) {
	cs, ok := r.channel(channelID)
	if !ok {
		return ModeMedium, ErrUnknownChannel
	}
	cs.mu.RLock()
	configured := cs.config.QualityMode
	cs.mu.RUnlock()

	if configured != ModeAdaptive {
		return configured, nil
	}

	stats, err := r.Stats(channelID)
	if err != nil {
		return ModeMedium, err
	}
	return adaptiveDecision(stats), nil
}

func adaptiveDecision(stats RoutingStats) QualityMode {
	switch {
	case stats.PacketLossRate > 0.05 || stats.JitterMs > 100:
		return ModeLow
	case stats.PacketLossRate < 0.01 && stats.JitterMs < 20:
		return ModeHigh
	default:
		return ModeMedium
	}
}

// AnalyzeChannel computes a diagnostic PerformanceReport, including the
// jitter buffers' blended quality score and threshold-crossing
// recommendation strings.
func (r *Router) AnalyzeChannel(channelID uuid.UUID) (PerformanceReport, error) {
	stats, err := r.Stats(channelID)
	if err != nil {
		return PerformanceReport{}, err
	}

	score := channelQualityScore(stats)
	return PerformanceReport{
		ChannelID:       channelID,
		Stats:           stats,
		QualityScore:    score,
		Recommendations: recommendations(stats, score),
	}, nil
}

func channelQualityScore(s RoutingStats) float64 {
	score := 1.0
	score -= 0.3 * s.PacketLossRate
	if s.JitterMs/50.0 < 1 {
		score -= 0.3 * (s.JitterMs / 50.0)
	} else {
		score -= 0.3
	}
	if score < 0 {
		return 0
	}
	return score
}

func recommendations(s RoutingStats, score float64) []string {
	var out []string
	if s.PacketLossRate > 0.05 {
		out = append(out, fmt.Sprintf("packet loss %.1f%% above 5%%, consider degrading quality mode", s.PacketLossRate*100))
	}
	if s.JitterMs > 50 {
		out = append(out, fmt.Sprintf("jitter %.1fms elevated, consider raising target latency", s.JitterMs))
	}
	if s.AvgLatencyMs > 150 {
		out = append(out, fmt.Sprintf("average latency %.1fms high, investigate network path", s.AvgLatencyMs))
	}
	if s.ConnectedUsers >= 1 && s.ActiveUsers == 0 {
		out = append(out, "channel has connected users but no active speech detected")
	}
	if score < 0.5 {
		out = append(out, "overall channel quality degraded, flag for operator review")
	}
	return out
}
