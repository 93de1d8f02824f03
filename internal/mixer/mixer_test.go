package mixer

import (
	"testing"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/wire"
)

func audioPacket(userID, channelID uuid.UUID, samples []int16) *wire.AudioPacket {
	payload := samplesToBytes(samples)
	return &wire.AudioPacket{
		Header: wire.PacketHeader{
			Type:        wire.TypeAudio,
			UserID:      userID,
			ChannelID:   channelID,
			PayloadSize: uint16(len(payload)),
		},
		Payload: payload,
	}
}

func constSamples(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMixSumsTwoVoices(t *testing.T) {
	m := New()
	ch := uuid.New()
	a, b := uuid.New(), uuid.New()

	packets := []*wire.AudioPacket{
		audioPacket(a, ch, constSamples(10, 1000)),
		audioPacket(b, ch, constSamples(10, 2000)),
	}

	out, stats := m.Mix(packets, ch)
	if out == nil {
		t.Fatal("expected mixed output, got nil")
	}
	if stats.TotalSamples != 10 {
		t.Fatalf("TotalSamples = %d, want 10", stats.TotalSamples)
	}

	samples := bytesToSamples(out)
	for i, s := range samples {
		if s < 2999 || s > 3001 {
			t.Fatalf("sample[%d] = %d, want within [2999,3001]", i, s)
		}
	}
}

func TestSoloSuppressesOthers(t *testing.T) {
	m := New()
	ch := uuid.New()
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	m.SetSolo(a, ch, true)

	packets := []*wire.AudioPacket{
		audioPacket(a, ch, constSamples(5, 1000)),
		audioPacket(b, ch, constSamples(5, 500)),
		audioPacket(d, ch, constSamples(5, 500)),
	}

	out, stats := m.Mix(packets, ch)
	if stats.ActiveVoices != 1 {
		t.Fatalf("ActiveVoices = %d, want 1 (solo only)", stats.ActiveVoices)
	}
	samples := bytesToSamples(out)
	for _, s := range samples {
		if s < 999 || s > 1001 {
			t.Fatalf("expected only A's energy, got sample %d", s)
		}
	}
}

func TestMuteOverridesSolo(t *testing.T) {
	m := New()
	ch := uuid.New()
	a := uuid.New()
	m.SetSolo(a, ch, true)
	m.SetMuted(a, ch, true)

	packets := []*wire.AudioPacket{audioPacket(a, ch, constSamples(5, 1000))}
	out, stats := m.Mix(packets, ch)
	if out != nil || stats.ActiveVoices != 0 {
		t.Fatalf("muted+solo user should contribute nothing, got voices=%d out=%v", stats.ActiveVoices, out)
	}
}

func TestClipSafety(t *testing.T) {
	m := New()
	ch := uuid.New()
	var packets []*wire.AudioPacket
	for i := 0; i < 8; i++ {
		packets = append(packets, audioPacket(uuid.New(), ch, constSamples(4, 32000)))
	}

	out, _ := m.Mix(packets, ch)
	samples := bytesToSamples(out)
	for _, s := range samples {
		if s > i16Max-1 || s < i16Min+1 {
			t.Fatalf("sample %d outside clip-safe range", s)
		}
	}
}

func TestNoContributorsReturnsNil(t *testing.T) {
	m := New()
	ch := uuid.New()
	a := uuid.New()
	m.SetMuted(a, ch, true)

	out, stats := m.Mix([]*wire.AudioPacket{audioPacket(a, ch, constSamples(4, 100))}, ch)
	if out != nil {
		t.Fatal("expected nil output when all contributors filtered")
	}
	if stats.ActiveVoices != 0 {
		t.Fatalf("ActiveVoices = %d, want 0", stats.ActiveVoices)
	}
}

func TestShortestSampleCountWins(t *testing.T) {
	m := New()
	ch := uuid.New()
	a, b := uuid.New(), uuid.New()

	packets := []*wire.AudioPacket{
		audioPacket(a, ch, constSamples(10, 100)),
		audioPacket(b, ch, constSamples(4, 100)),
	}

	_, stats := m.Mix(packets, ch)
	if stats.TotalSamples != 4 {
		t.Fatalf("TotalSamples = %d, want 4 (shortest)", stats.TotalSamples)
	}
}

func TestLifetimeStatsAccumulate(t *testing.T) {
	m := New()
	ch := uuid.New()
	a := uuid.New()

	m.Mix([]*wire.AudioPacket{audioPacket(a, ch, constSamples(4, 1000))}, ch)
	m.Mix([]*wire.AudioPacket{audioPacket(a, ch, constSamples(4, 1000))}, ch)

	stats := m.ChannelStats(ch)
	if stats.TotalMixes != 2 {
		t.Fatalf("TotalMixes = %d, want 2", stats.TotalMixes)
	}
}
