package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/wire"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func newTestDirectory() *directory.InMemory {
	return directory.NewInMemory([]byte("0123456789abcdef0123456789abcdef"), nil)
}

func TestTwoPartyFanOut(t *testing.T) {
	dir := newTestDirectory()
	r := New(32, dir, nil)
	a, b, ch := uuid.New(), uuid.New(), uuid.New()

	r.ConfigureChannel(ch, DefaultChannelRoutingConfig())
	r.AddMember(a, ch)
	r.AddMember(b, ch)
	dir.RegisterEndpoint(a, udpAddr(1))
	dir.RegisterEndpoint(b, udpAddr(2))

	p := &wire.AudioPacket{Header: wire.PacketHeader{
		Type: wire.TypeAudio, UserID: a, ChannelID: ch, Sequence: 0, TimestampUs: 1000, PayloadSize: 2,
	}, Payload: []byte{1, 2}}

	recipients, err := r.Ingest(context.Background(), p, udpAddr(1))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(recipients) != 1 || recipients[0].Port != 2 {
		t.Fatalf("recipients = %+v, want only B's endpoint", recipients)
	}
}

func TestIngestUnknownChannel(t *testing.T) {
	r := New(32, newTestDirectory(), nil)
	p := &wire.AudioPacket{Header: wire.PacketHeader{UserID: uuid.New(), ChannelID: uuid.New()}}
	if _, err := r.Ingest(context.Background(), p, udpAddr(1)); err != ErrUnknownChannel {
		t.Fatalf("got %v, want ErrUnknownChannel", err)
	}
}

func TestIngestNotAMember(t *testing.T) {
	r := New(32, newTestDirectory(), nil)
	ch := uuid.New()
	r.ConfigureChannel(ch, DefaultChannelRoutingConfig())

	p := &wire.AudioPacket{Header: wire.PacketHeader{UserID: uuid.New(), ChannelID: ch}}
	if _, err := r.Ingest(context.Background(), p, udpAddr(1)); err != ErrNotAMember {
		t.Fatalf("got %v, want ErrNotAMember", err)
	}
}

func TestAdaptiveDowngrade(t *testing.T) {
	stats := RoutingStats{PacketLossRate: 0.06, JitterMs: 10}
	if mode := adaptiveDecision(stats); mode != ModeLow {
		t.Fatalf("mode = %v, want Low", mode)
	}
}

func TestAdaptiveUpgrade(t *testing.T) {
	stats := RoutingStats{PacketLossRate: 0.005, JitterMs: 5}
	if mode := adaptiveDecision(stats); mode != ModeHigh {
		t.Fatalf("mode = %v, want High", mode)
	}
}

func TestAdaptiveMediumDefault(t *testing.T) {
	stats := RoutingStats{PacketLossRate: 0.02, JitterMs: 50}
	if mode := adaptiveDecision(stats); mode != ModeMedium {
		t.Fatalf("mode = %v, want Medium", mode)
	}
}

func TestRemoveMemberFreesBuffer(t *testing.T) {
	r := New(32, newTestDirectory(), nil)
	a, ch := uuid.New(), uuid.New()
	r.ConfigureChannel(ch, DefaultChannelRoutingConfig())
	r.AddMember(a, ch)

	if _, ok := r.buffer(a, ch); !ok {
		t.Fatal("expected buffer to exist after AddMember")
	}

	r.RemoveMember(a, ch)
	if _, ok := r.buffer(a, ch); ok {
		t.Fatal("expected buffer to be freed after RemoveMember")
	}
}

func TestSweepUsesInjectedClock(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	r := New(32, newTestDirectory(), func() time.Time { return fixed })
	a, ch := uuid.New(), uuid.New()
	r.ConfigureChannel(ch, DefaultChannelRoutingConfig())
	r.AddMember(a, ch)

	jb, _ := r.buffer(a, ch)
	jb.Push(&wire.AudioPacket{Header: wire.PacketHeader{TimestampUs: jitterNowUs(fixed) - 500_000}})

	dropped := r.Sweep()
	if dropped != 1 {
		t.Fatalf("sweep dropped = %d, want 1", dropped)
	}
}

func jitterNowUs(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
