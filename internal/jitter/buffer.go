// Package jitter implements the per-participant circular packet buffer and
// the jitter buffer built on top of it: ordered holding, staleness
// sweeping, synchronized release, and latency auto-tuning, grounded on
// the original audio buffer design (audio/control split, auto-tune
// thresholds, quality scoring).
package jitter

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/audiorelay/voicecore/internal/wire"
)

// Default/bound constants for target latency auto-tune, per the data model.
const (
	MinTargetLatencyUs = 20_000
	MaxTargetLatencyUs = 500_000

	defaultAudioCapacity   = 64
	controlCapacityDivisor = 4

	syncSkewUs = 50_000
)

// CircularPacketBuffer is a fixed-capacity FIFO of packets. On overflow the
// oldest packet is evicted and Dropped is incremented.
type CircularPacketBuffer struct {
	mu          sync.Mutex
	packets     []*wire.AudioPacket
	capacity    int
	TotalPushed uint64
	Dropped     uint64
}

// NewCircularPacketBuffer creates a buffer with the given fixed capacity.
func NewCircularPacketBuffer(capacity int) *CircularPacketBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &CircularPacketBuffer{
		packets:  make([]*wire.AudioPacket, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts a packet at the back, evicting the front on overflow.
func (b *CircularPacketBuffer) Push(p *wire.AudioPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.TotalPushed++
	if len(b.packets) >= b.capacity {
		b.packets = b.packets[1:]
		b.Dropped++
	}
	b.packets = append(b.packets, p)
}

// Len returns the number of resident packets.
func (b *CircularPacketBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Capacity returns the buffer's fixed capacity.
func (b *CircularPacketBuffer) Capacity() int {
	return b.capacity
}

// popFrontLocked removes and returns the oldest packet, or nil if empty.
// The caller holds b.mu.
func (b *CircularPacketBuffer) popFrontLocked() *wire.AudioPacket {
	if len(b.packets) == 0 {
		return nil
	}
	p := b.packets[0]
	b.packets = b.packets[1:]
	return p
}

// peekFrontLocked returns the oldest packet without removing it, or nil if
// empty. The caller holds b.mu.
func (b *CircularPacketBuffer) peekFrontLocked() *wire.AudioPacket {
	if len(b.packets) == 0 {
		return nil
	}
	return b.packets[0]
}

// DrainAll removes and returns every resident packet, oldest first.
func (b *CircularPacketBuffer) DrainAll() []*wire.AudioPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.packets
	b.packets = make([]*wire.AudioPacket, 0, b.capacity)
	return out
}

// SweepStale drops every resident packet whose age exceeds the staleness
// bound, adding each to Dropped.
func (b *CircularPacketBuffer) SweepStale(nowUs uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.packets[:0:0]
	dropped := 0
	for _, p := range b.packets {
		if wire.IsStale(p.Header.TimestampUs, nowUs) {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	b.packets = kept
	b.Dropped += uint64(dropped)
	return dropped
}

// snapshot returns a copy of the resident packet slice for read-only analysis.
func (b *CircularPacketBuffer) snapshot() []*wire.AudioPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*wire.AudioPacket, len(b.packets))
	copy(out, b.packets)
	return out
}

// Quality holds the jitter buffer's exposed quality metrics.
type Quality struct {
	DropRate       float64
	JitterMs       float64
	MissingPackets int
	Score          float64
}

// JitterBuffer smooths arrival-time variance before mixing. It wraps an
// audio sub-buffer and a quarter-capacity control sub-buffer, plus a
// target latency that auto-tunes to observed network quality.
type JitterBuffer struct {
	mu                 sync.Mutex
	audio              *CircularPacketBuffer
	control            *CircularPacketBuffer
	targetLatencyUs    uint64
	channelLatestUs    uint64 // max observed timestamp across the channel, set by the router
	released           map[uint32]bool
	releasedOrder      []uint32
	maxReleasedTracked int
}

// New creates a JitterBuffer with the given audio capacity (control capacity
// is audioCapacity/4, minimum 1) and an initial target latency in microseconds.
func New(audioCapacity int, initialTargetLatencyUs uint64) *JitterBuffer {
	if audioCapacity < 1 {
		audioCapacity = defaultAudioCapacity
	}
	controlCapacity := audioCapacity / controlCapacityDivisor
	if controlCapacity < 1 {
		controlCapacity = 1
	}
	target := clampLatency(initialTargetLatencyUs)

	return &JitterBuffer{
		audio:              NewCircularPacketBuffer(audioCapacity),
		control:            NewCircularPacketBuffer(controlCapacity),
		targetLatencyUs:    target,
		released:           make(map[uint32]bool),
		maxReleasedTracked: audioCapacity * 4,
	}
}

func clampLatency(us uint64) uint64 {
	if us < MinTargetLatencyUs {
		return MinTargetLatencyUs
	}
	if us > MaxTargetLatencyUs {
		return MaxTargetLatencyUs
	}
	return us
}

// Push inserts a packet into the appropriate sub-buffer by type.
func (j *JitterBuffer) Push(p *wire.AudioPacket) {
	switch p.Header.Type {
	case wire.TypeAudioStart, wire.TypeAudioStop, wire.TypeSync:
		j.control.Push(p)
	default:
		j.audio.Push(p)
	}
}

// TargetLatencyUs returns the current auto-tuned target latency.
func (j *JitterBuffer) TargetLatencyUs() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.targetLatencyUs
}

// SetChannelLatestTimestamp records the latest observed timestamp across the
// channel, used by synchronized release to bound cross-participant skew.
func (j *JitterBuffer) SetChannelLatestTimestamp(us uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if us > j.channelLatestUs {
		j.channelLatestUs = us
	}
}

// DrainReady releases all control packets immediately, then repeatedly pops
// the front of the audio buffer while its age has reached target latency.
func (j *JitterBuffer) DrainReady(nowUs uint64) []*wire.AudioPacket {
	out := j.control.DrainAll()

	j.mu.Lock()
	target := j.targetLatencyUs
	j.mu.Unlock()

	j.audio.mu.Lock()
	for {
		front := j.audio.peekFrontLocked()
		if front == nil {
			break
		}
		if front.Header.TimestampUs > nowUs || nowUs-front.Header.TimestampUs < target {
			break
		}
		out = append(out, j.audio.popFrontLocked())
	}
	j.audio.mu.Unlock()

	j.markReleased(out)
	return out
}

// DrainSynchronized releases control packets immediately, then releases
// audio packets that are not more than 50ms ahead of the channel's latest
// observed timestamp, or whose own latency deadline has passed. A
// participant lagging behind the channel's pace clears this check
// immediately instead of waiting out its full target latency, so one slow
// participant can't hold back the rest of the channel; a packet running
// ahead of the channel's pace is held until its own deadline.
func (j *JitterBuffer) DrainSynchronized(nowUs uint64) []*wire.AudioPacket {
	out := j.control.DrainAll()

	j.mu.Lock()
	target := j.targetLatencyUs
	channelLatest := j.channelLatestUs
	j.mu.Unlock()

	j.audio.mu.Lock()
	for {
		front := j.audio.peekFrontLocked()
		if front == nil {
			break
		}
		pastDeadline := nowUs >= front.Header.TimestampUs && nowUs-front.Header.TimestampUs >= target
		withinSkew := channelLatest == 0 || front.Header.TimestampUs <= channelLatest+syncSkewUs
		if !pastDeadline && !withinSkew {
			break
		}
		out = append(out, j.audio.popFrontLocked())
	}
	j.audio.mu.Unlock()

	j.markReleased(out)
	return out
}

// markReleased records sequence numbers to support a best-effort no-double-
// release check in tests; it trims to a bounded history to stay O(1)-ish.
func (j *JitterBuffer) markReleased(packets []*wire.AudioPacket) {
	if len(packets) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range packets {
		j.released[p.Header.Sequence] = true
		j.releasedOrder = append(j.releasedOrder, p.Header.Sequence)
	}
	if len(j.releasedOrder) > j.maxReleasedTracked {
		excess := len(j.releasedOrder) - j.maxReleasedTracked
		for _, seq := range j.releasedOrder[:excess] {
			delete(j.released, seq)
		}
		j.releasedOrder = j.releasedOrder[excess:]
	}
}

// AlreadyReleased reports whether a sequence number was previously released,
// within the tracked history window.
func (j *JitterBuffer) AlreadyReleased(seq uint32) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.released[seq]
}

// SweepStale drops stale packets from both sub-buffers.
func (j *JitterBuffer) SweepStale(nowUs uint64) int {
	return j.audio.SweepStale(nowUs) + j.control.SweepStale(nowUs)
}

// AutoTune adjusts target latency based on the audio sub-buffer's recent
// drop rate and fill ratio, per the adaptive-latency policy.
func (j *JitterBuffer) AutoTune() {
	dropRate := j.audio.dropRate()
	fillRatio := float64(j.audio.Len()) / float64(j.audio.Capacity())

	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case dropRate > 0.05:
		j.targetLatencyUs = clampLatency(uint64(float64(j.targetLatencyUs) * 1.10))
	case dropRate < 0.01 && fillRatio <= 0.5:
		j.targetLatencyUs = clampLatency(uint64(float64(j.targetLatencyUs) * 0.95))
	}
}

func (b *CircularPacketBuffer) dropRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.TotalPushed == 0 {
		return 0
	}
	return float64(b.Dropped) / float64(b.TotalPushed)
}

// MissingSequences reports the gaps in the audio sub-buffer's resident
// sequence numbers: for every adjacent pair with a hole, the half-open
// range (seq, nextSeq) is reported. Used only for metrics.
func (j *JitterBuffer) MissingSequences() []uint32 {
	snap := j.audio.snapshot()
	if len(snap) < 2 {
		return nil
	}
	sort.Slice(snap, func(i, k int) bool { return snap[i].Header.Sequence < snap[k].Header.Sequence })

	var missing []uint32
	for i := 1; i < len(snap); i++ {
		prev := snap[i-1].Header.Sequence
		cur := snap[i].Header.Sequence
		if cur == prev {
			continue // duplicate sequence number, not a hole
		}
		for seq := prev + 1; seq != cur; seq++ {
			missing = append(missing, seq)
			if len(missing) > 10_000 {
				return missing // guard against pathological wraparound
			}
		}
	}
	return missing
}

// JitterEstimateMs returns the standard deviation of inter-arrival timestamp
// deltas across resident packets. Requires at least 3 packets; returns 0 otherwise.
func (j *JitterBuffer) JitterEstimateMs() float64 {
	snap := j.audio.snapshot()
	if len(snap) < 3 {
		return 0
	}
	sort.Slice(snap, func(i, k int) bool { return snap[i].Header.TimestampUs < snap[k].Header.TimestampUs })

	deltas := make([]float64, 0, len(snap)-1)
	for i := 1; i < len(snap); i++ {
		deltas = append(deltas, float64(snap[i].Header.TimestampUs-snap[i-1].Header.TimestampUs))
	}

	var sum float64
	for _, d := range deltas {
		sum += d
	}
	mean := sum / float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(deltas))

	return math.Sqrt(variance) / 1000.0
}

// Stats is a point-in-time snapshot of the buffer's health metrics.
type Stats struct {
	TargetLatencyUs uint64
	Fill            int
	Capacity        int
	TotalPushed     uint64
	Dropped         uint64
}

// Stats returns the current buffer statistics.
func (j *JitterBuffer) Stats() Stats {
	j.mu.Lock()
	target := j.targetLatencyUs
	j.mu.Unlock()

	j.audio.mu.Lock()
	defer j.audio.mu.Unlock()
	return Stats{
		TargetLatencyUs: target,
		Fill:            len(j.audio.packets),
		Capacity:        j.audio.capacity,
		TotalPushed:     j.audio.TotalPushed,
		Dropped:         j.audio.Dropped,
	}
}

// Quality computes the router-facing quality score: starts at 1.0, subtracts
// weighted penalties for drop rate, jitter, and missing packets, then scales
// by a buffer-health factor derived from fill ratio.
func (j *JitterBuffer) Quality() Quality {
	dropRate := j.audio.dropRate()
	jitterMs := j.JitterEstimateMs()
	missing := len(j.MissingSequences())

	score := 1.0
	score -= 0.3 * dropRate
	score -= 0.3 * math.Min(jitterMs/50.0, 1.0)
	score -= 0.2 * math.Min(float64(missing)/10.0, 1.0)

	fillRatio := float64(j.audio.Len()) / float64(j.audio.Capacity())
	score *= bufferHealthFactor(fillRatio)

	if score < 0 {
		score = 0
	}

	return Quality{
		DropRate:       dropRate,
		JitterMs:       jitterMs,
		MissingPackets: missing,
		Score:          score,
	}
}

func bufferHealthFactor(fillRatio float64) float64 {
	switch {
	case fillRatio >= 0.3 && fillRatio <= 0.7:
		return 1.0
	case fillRatio >= 0.1 && fillRatio <= 0.9:
		return 0.6
	default:
		return 0.2
	}
}

// NowUs converts a time.Time to microseconds since the Unix epoch, the unit
// used throughout the jitter buffer and wire format.
func NowUs(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
