package jitter

import (
	"testing"

	"github.com/audiorelay/voicecore/internal/wire"
)

func pkt(seq uint32, tsUs uint64) *wire.AudioPacket {
	return &wire.AudioPacket{
		Header: wire.PacketHeader{
			Type:        wire.TypeAudio,
			Sequence:    seq,
			TimestampUs: tsUs,
			PayloadSize: 2,
		},
		Payload: []byte{1, 2},
	}
}

func TestCircularBufferFIFOUnderOverflow(t *testing.T) {
	const capacity = 8
	const n = 20
	b := NewCircularPacketBuffer(capacity)

	for i := uint32(0); i < n; i++ {
		b.Push(pkt(i, uint64(i)*1000))
	}

	if b.Dropped != n-capacity {
		t.Fatalf("dropped = %d, want %d", b.Dropped, n-capacity)
	}

	resident := b.DrainAll()
	if len(resident) != capacity {
		t.Fatalf("resident len = %d, want %d", len(resident), capacity)
	}
	for i, p := range resident {
		wantSeq := n - capacity + uint32(i)
		if p.Header.Sequence != wantSeq {
			t.Fatalf("resident[%d].Sequence = %d, want %d", i, p.Header.Sequence, wantSeq)
		}
	}
}

func TestJitterBufferLatencyBound(t *testing.T) {
	jb := New(16, 100_000)
	const start uint64 = 1_000_000
	jb.Push(pkt(1, start))

	// Not yet ripe: age 50ms < target 100ms.
	if out := jb.DrainReady(start + 50_000); len(out) != 0 {
		t.Fatalf("expected no release before target latency, got %d packets", len(out))
	}

	// Ripe: age 100ms >= target 100ms.
	out := jb.DrainReady(start + 100_000)
	if len(out) != 1 {
		t.Fatalf("expected 1 released packet, got %d", len(out))
	}
}

func TestJitterBufferNoReRelease(t *testing.T) {
	jb := New(16, 20_000)
	for i := uint32(0); i < 5; i++ {
		jb.Push(pkt(i, uint64(i)*1000))
	}

	now := uint64(1_000_000)
	first := jb.DrainReady(now)
	second := jb.DrainReady(now)

	if len(first) != 5 {
		t.Fatalf("first drain = %d packets, want 5", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second drain should be empty, got %d", len(second))
	}
}

func TestJitterBufferControlAlwaysReleasable(t *testing.T) {
	jb := New(16, 500_000)
	start := &wire.AudioPacket{Header: wire.PacketHeader{Type: wire.TypeAudioStart, Sequence: 1, TimestampUs: 999_999_999}}
	jb.Push(start)

	out := jb.DrainReady(1_000_000_000)
	if len(out) != 1 {
		t.Fatalf("control packet should release immediately, got %d", len(out))
	}
}

func TestAutoTuneMonotonicBounds(t *testing.T) {
	jb := New(16, MinTargetLatencyUs)

	// Force a high drop rate by overflowing a tiny buffer repeatedly.
	jb.audio = NewCircularPacketBuffer(2)
	for i := 0; i < 100; i++ {
		jb.Push(pkt(uint32(i), uint64(i)))
	}
	for i := 0; i < 200; i++ {
		jb.AutoTune()
	}
	if jb.TargetLatencyUs() > MaxTargetLatencyUs {
		t.Fatalf("target latency %d exceeds max %d", jb.TargetLatencyUs(), MaxTargetLatencyUs)
	}

	jb2 := New(16, MaxTargetLatencyUs)
	jb2.Push(pkt(0, 0))
	jb2.DrainReady(0)
	for i := 0; i < 500; i++ {
		jb2.AutoTune()
	}
	if jb2.TargetLatencyUs() < MinTargetLatencyUs {
		t.Fatalf("target latency %d below min %d", jb2.TargetLatencyUs(), MinTargetLatencyUs)
	}
}

func TestSweepStaleDrops(t *testing.T) {
	jb := New(16, 500_000) // target above the 100ms staleness bound: stale packets aren't released first
	now := uint64(1_000_000_000)
	jb.Push(pkt(1, now-200_000)) // 200ms old: stale, but not yet at the 500ms target latency

	out := jb.DrainReady(now)
	if len(out) != 0 {
		t.Fatalf("packet below target latency should not release yet, got %d", len(out))
	}

	dropped := jb.SweepStale(now)
	if dropped != 1 {
		t.Fatalf("sweep dropped = %d, want 1", dropped)
	}
}

func TestDrainSynchronizedReleasesLaggingParticipant(t *testing.T) {
	jb := New(16, 500_000) // target latency well above the skew bound
	const channelLatest uint64 = 10_000_000
	jb.SetChannelLatestTimestamp(channelLatest)

	// Front timestamp is far below channelLatest: a genuinely lagging
	// participant. Well under its own target latency deadline, so only
	// the skew check releases it early, preventing this one lagging
	// participant from holding up the rest of the channel.
	lagging := channelLatest - 200_000
	jb.Push(pkt(1, lagging))

	out := jb.DrainSynchronized(lagging + 10_000)
	if len(out) != 1 {
		t.Fatalf("lagging packet behind channelLatest should release early, got %d", len(out))
	}
}

func TestDrainSynchronizedHoldsAheadOfChannelLatest(t *testing.T) {
	jb := New(16, 500_000) // target latency well above the skew bound
	const channelLatest uint64 = 10_000_000
	jb.SetChannelLatestTimestamp(channelLatest)

	// Front timestamp is far ahead of channelLatest (e.g. a clock-skewed
	// sender). It must not release early just because it's ahead of pace.
	ahead := channelLatest + 200_000
	jb.Push(pkt(1, ahead))

	out := jb.DrainSynchronized(ahead + 10_000)
	if len(out) != 0 {
		t.Fatalf("packet ahead of channelLatest should not release early, got %d", len(out))
	}

	// But it still releases once its own target latency deadline passes.
	out2 := jb.DrainSynchronized(ahead + 500_000)
	if len(out2) != 1 {
		t.Fatalf("packet should release once target latency deadline passes, got %d", len(out2))
	}
}

func TestQualityScoreClampedAtZero(t *testing.T) {
	jb := New(4, 20_000)
	for i := 0; i < 50; i++ {
		jb.Push(pkt(uint32(i), uint64(i)))
	}
	q := jb.Quality()
	if q.Score < 0 {
		t.Fatalf("score %f should be clamped at 0", q.Score)
	}
}
