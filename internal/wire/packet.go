// Package wire implements the fixed-layout audio datagram codec: framing
// and parsing of PacketHeader plus payload, byte-for-byte per the wire
// format, and nothing else. It does not validate identifiers, membership,
// or timestamps — that is policy owned by the router.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PacketType tags the kind of audio datagram.
type PacketType uint8

const (
	TypeAudio PacketType = iota
	TypeSilence
	TypeAudioStart
	TypeAudioStop
	TypeSync
)

func (t PacketType) String() string {
	switch t {
	case TypeAudio:
		return "Audio"
	case TypeSilence:
		return "Silence"
	case TypeAudioStart:
		return "AudioStart"
	case TypeAudioStop:
		return "AudioStop"
	case TypeSync:
		return "Sync"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

func (t PacketType) valid() bool {
	return t <= TypeSync
}

// HeaderLen is the fixed on-wire header size in bytes:
// type(1) + user_id(16) + channel_id(16) + sequence(4) + timestamp_us(8) +
// payload_size(2) + sample_rate(4) + channels(1) + reserved(3) = 55.
const HeaderLen = 55

// MaxDatagramSize is the safe UDP payload ceiling assumed by callers sizing
// read buffers (MTU minus IP/UDP headers, rounded down).
const MaxDatagramSize = 1472

var (
	// ErrTruncated is returned when a buffer is shorter than its declared header or payload.
	ErrTruncated = errors.New("wire: truncated packet")
	// ErrBadType is returned when the header's packet_type byte is not a known PacketType.
	ErrBadType = errors.New("wire: unknown packet type")
	// ErrPayloadSizeMismatch is returned when an AudioPacket's PayloadSize disagrees with len(Payload).
	ErrPayloadSizeMismatch = errors.New("wire: payload_size mismatch")
)

// PacketHeader is the fixed, bit-exact wire header.
type PacketHeader struct {
	Type        PacketType
	UserID      uuid.UUID
	ChannelID   uuid.UUID
	Sequence    uint32
	TimestampUs uint64
	PayloadSize uint16
	SampleRate  uint32
	Channels    uint8
}

// AudioPacket is a header plus an opaque payload.
type AudioPacket struct {
	Header  PacketHeader
	Payload []byte
}

// Validate checks the AudioPacket invariant from the data model:
// PayloadSize == len(Payload), and non-Audio/Silence packets carry no payload.
func (p *AudioPacket) Validate() error {
	if int(p.Header.PayloadSize) != len(p.Payload) {
		return ErrPayloadSizeMismatch
	}
	if p.Header.Type != TypeAudio && p.Header.Type != TypeSilence && p.Header.PayloadSize != 0 {
		return ErrPayloadSizeMismatch
	}
	return nil
}

// SampleCount returns the number of 16-bit PCM samples in the payload.
func (p *AudioPacket) SampleCount() int {
	return len(p.Payload) / 2
}

// Encode serializes a packet to its wire form. It does not call Validate;
// callers that need the invariant checked should call it explicitly.
func Encode(p *AudioPacket) []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	buf[0] = byte(p.Header.Type)
	copy(buf[1:17], p.Header.UserID[:])
	copy(buf[17:33], p.Header.ChannelID[:])
	binary.LittleEndian.PutUint32(buf[33:37], p.Header.Sequence)
	binary.LittleEndian.PutUint64(buf[37:45], p.Header.TimestampUs)
	binary.LittleEndian.PutUint16(buf[45:47], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[47:51], p.Header.SampleRate)
	buf[51] = p.Header.Channels
	// buf[52:55] reserved, zero on write.
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode parses a wire-format buffer into an AudioPacket. It reads the fixed
// header first, then the declared payload_size bytes; a short buffer yields
// ErrTruncated, and an unrecognised type byte yields ErrBadType.
func Decode(buf []byte) (*AudioPacket, error) {
	if len(buf) < HeaderLen {
		return nil, ErrTruncated
	}
	typ := PacketType(buf[0])
	if !typ.valid() {
		return nil, ErrBadType
	}

	h := PacketHeader{Type: typ}
	copy(h.UserID[:], buf[1:17])
	copy(h.ChannelID[:], buf[17:33])
	h.Sequence = binary.LittleEndian.Uint32(buf[33:37])
	h.TimestampUs = binary.LittleEndian.Uint64(buf[37:45])
	h.PayloadSize = binary.LittleEndian.Uint16(buf[45:47])
	h.SampleRate = binary.LittleEndian.Uint32(buf[47:51])
	h.Channels = buf[51]
	// buf[52:55] reserved, ignored on read.

	end := HeaderLen + int(h.PayloadSize)
	if len(buf) < end {
		return nil, ErrTruncated
	}

	payload := make([]byte, h.PayloadSize)
	copy(payload, buf[HeaderLen:end])

	return &AudioPacket{Header: h, Payload: payload}, nil
}

// IsStale reports whether a packet's age exceeds the 100ms staleness bound,
// per the jitter buffer's sweeper predicate.
func IsStale(timestampUs uint64, nowUs uint64) bool {
	return nowUs > timestampUs && nowUs-timestampUs > 100_000
}
