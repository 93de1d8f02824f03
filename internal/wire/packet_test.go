package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func samplePacket(t *testing.T, typ PacketType, payload []byte) *AudioPacket {
	t.Helper()
	return &AudioPacket{
		Header: PacketHeader{
			Type:        typ,
			UserID:      uuid.New(),
			ChannelID:   uuid.New(),
			Sequence:    42,
			TimestampUs: 1_700_000_000_000_000,
			PayloadSize: uint16(len(payload)),
			SampleRate:  48000,
			Channels:    1,
		},
		Payload: payload,
	}
}

func TestRoundtrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     PacketType
		payload []byte
	}{
		{"audio", TypeAudio, []byte{0x01, 0x02, 0x03, 0x04}},
		{"silence-empty", TypeSilence, nil},
		{"audio-start", TypeAudioStart, nil},
		{"audio-stop", TypeAudioStop, nil},
		{"sync", TypeSync, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := samplePacket(t, tc.typ, tc.payload)
			encoded := Encode(p)

			if len(encoded) != HeaderLen+len(tc.payload) {
				t.Fatalf("encoded length = %d, want %d", len(encoded), HeaderLen+len(tc.payload))
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Header.Type != p.Header.Type ||
				decoded.Header.UserID != p.Header.UserID ||
				decoded.Header.ChannelID != p.Header.ChannelID ||
				decoded.Header.Sequence != p.Header.Sequence ||
				decoded.Header.TimestampUs != p.Header.TimestampUs ||
				decoded.Header.SampleRate != p.Header.SampleRate ||
				decoded.Header.Channels != p.Header.Channels {
				t.Fatalf("header mismatch: got %+v, want %+v", decoded.Header, p.Header)
			}
			if !bytes.Equal(decoded.Payload, p.Payload) {
				t.Fatalf("payload mismatch: got %v, want %v", decoded.Payload, p.Payload)
			}
		})
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderLen-1)); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	p := samplePacket(t, TypeAudio, []byte{1, 2, 3, 4})
	encoded := Encode(p)
	if _, err := Decode(encoded[:len(encoded)-1]); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeBadType(t *testing.T) {
	p := samplePacket(t, TypeAudio, nil)
	encoded := Encode(p)
	encoded[0] = 0xFF
	if _, err := Decode(encoded); err != ErrBadType {
		t.Fatalf("got %v, want ErrBadType", err)
	}
}

func TestValidate(t *testing.T) {
	p := samplePacket(t, TypeAudio, []byte{1, 2})
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	p.Header.PayloadSize = 99
	if err := p.Validate(); err != ErrPayloadSizeMismatch {
		t.Fatalf("got %v, want ErrPayloadSizeMismatch", err)
	}

	ctrl := samplePacket(t, TypeSync, nil)
	ctrl.Header.PayloadSize = 0
	ctrl.Payload = []byte{1}
	if err := ctrl.Validate(); err != ErrPayloadSizeMismatch {
		t.Fatalf("control packet with payload: got %v, want ErrPayloadSizeMismatch", err)
	}
}

func TestIsStale(t *testing.T) {
	now := uint64(1_700_000_100_000)
	if !IsStale(now-200_000, now) {
		t.Fatal("200ms old packet should be stale")
	}
	if IsStale(now-50_000, now) {
		t.Fatal("50ms old packet should not be stale")
	}
}

func TestEncodeFieldOffsets(t *testing.T) {
	p := samplePacket(t, TypeAudio, []byte{0xAA, 0xBB})
	buf := Encode(p)
	if PacketType(buf[0]) != TypeAudio {
		t.Fatal("type byte mismatch")
	}
	if buf[45] != 2 || buf[46] != 0 {
		t.Fatal("payload_size LE encoding mismatch")
	}
	if !bytes.Equal(buf[HeaderLen:], []byte{0xAA, 0xBB}) {
		t.Fatal("payload offset mismatch")
	}
}
