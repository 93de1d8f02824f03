// Package mixer implements the N-voice PCM mixer: per-user gain/mute/solo
// and dynamics controls, per-channel master config, and the global
// dynamics chain (compressor, limiter, AGC). Grounded on the original
// audio mixer's mix_packets_advanced / apply_audio_processing /
// apply_global_processing pipeline.
package mixer

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/wire"
)

const (
	i16Max = 32767
	i16Min = -32768

	defaultMaxConcurrentVoices = 8
)

// UserAudioControls is the per-{user,channel} mixing configuration.
type UserAudioControls struct {
	Volume                 float64
	Muted                  bool
	Solo                   bool
	Pan                    float64
	HighPass               bool
	NoiseSuppression       float64
	VoiceActivityThreshold float64
}

// DefaultUserAudioControls returns neutral per-user controls.
func DefaultUserAudioControls() UserAudioControls {
	return UserAudioControls{Volume: 1.0}
}

// ChannelMixConfig is the per-channel mixing configuration.
type ChannelMixConfig struct {
	MasterVolume        float64
	AGC                 bool
	CompressorEnabled   bool
	CompressorRatio     float64
	GateEnabled         bool
	GateThresholdDB     float64
	MaxConcurrentVoices int
}

// DefaultChannelMixConfig returns sensible channel mixing defaults.
func DefaultChannelMixConfig() ChannelMixConfig {
	return ChannelMixConfig{
		MasterVolume:        1.0,
		CompressorRatio:     4.0,
		GateThresholdDB:     -50,
		MaxConcurrentVoices: defaultMaxConcurrentVoices,
	}
}

// MixStats is the per-call outcome of a single mix.
type MixStats struct {
	ActiveVoices     int
	TotalSamples     int
	PeakLevel        float64
	RMSLevel         float64
	ClippingDetected bool
	Duration         time.Duration
}

// ChannelMixingStats accumulates lifetime counters across mixes for a
// channel, beyond the spec's per-call stats — total mixes/voices mixed and
// a lifetime clipping-event counter, matched to the original mixer's
// MixingStats.
type ChannelMixingStats struct {
	TotalMixes       uint64
	TotalVoicesMixed uint64
	ClippingEvents   uint64
	LastMixDuration  time.Duration
}

type voiceInput struct {
	userID  uuid.UUID
	samples []int16
}

// Mixer owns per-{user,channel} controls and per-channel configs/stats.
// Read-mostly; setters take short exclusive regions.
type Mixer struct {
	mu       sync.RWMutex
	controls map[controlKey]*UserAudioControls
	configs  map[uuid.UUID]*ChannelMixConfig
	lifetime map[uuid.UUID]*ChannelMixingStats
}

type controlKey struct {
	userID    uuid.UUID
	channelID uuid.UUID
}

// New creates an empty Mixer.
func New() *Mixer {
	return &Mixer{
		controls: make(map[controlKey]*UserAudioControls),
		configs:  make(map[uuid.UUID]*ChannelMixConfig),
		lifetime: make(map[uuid.UUID]*ChannelMixingStats),
	}
}

func (m *Mixer) controlsFor(userID, channelID uuid.UUID) UserAudioControls {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.controls[controlKey{userID, channelID}]; ok {
		return *c
	}
	return DefaultUserAudioControls()
}

func (m *Mixer) configFor(channelID uuid.UUID) ChannelMixConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.configs[channelID]; ok {
		return *c
	}
	return DefaultChannelMixConfig()
}

func (m *Mixer) setControls(userID, channelID uuid.UUID, mutate func(*UserAudioControls)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := controlKey{userID, channelID}
	c, ok := m.controls[key]
	if !ok {
		dc := DefaultUserAudioControls()
		c = &dc
		m.controls[key] = c
	}
	mutate(c)
}

// SetMuted sets a user's muted flag for a channel, creating the controls
// entry lazily.
func (m *Mixer) SetMuted(userID, channelID uuid.UUID, muted bool) {
	m.setControls(userID, channelID, func(c *UserAudioControls) { c.Muted = muted })
}

// SetSolo sets a user's solo flag for a channel.
func (m *Mixer) SetSolo(userID, channelID uuid.UUID, solo bool) {
	m.setControls(userID, channelID, func(c *UserAudioControls) { c.Solo = solo })
}

// SetVolume sets a user's volume (clamped to [0.0, 2.0]) for a channel.
func (m *Mixer) SetVolume(userID, channelID uuid.UUID, volume float64) {
	m.setControls(userID, channelID, func(c *UserAudioControls) {
		c.Volume = math.Max(0.0, math.Min(2.0, volume))
	})
}

// SetPan sets a user's pan (clamped to [-1.0, 1.0]) for a channel.
func (m *Mixer) SetPan(userID, channelID uuid.UUID, pan float64) {
	m.setControls(userID, channelID, func(c *UserAudioControls) {
		c.Pan = math.Max(-1.0, math.Min(1.0, pan))
	})
}

// SetChannelConfig installs a channel's mix config.
func (m *Mixer) SetChannelConfig(channelID uuid.UUID, cfg ChannelMixConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cfg
	m.configs[channelID] = &cp
}

// ChannelIDs returns every channel the mixer has lifetime stats for, for
// use by observability providers enumerating channels to report metrics.
func (m *Mixer) ChannelIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.lifetime))
	for id := range m.lifetime {
		out = append(out, id)
	}
	return out
}

// ChannelStats returns a channel's lifetime mixing stats.
func (m *Mixer) ChannelStats(channelID uuid.UUID) ChannelMixingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lifetime[channelID]; ok {
		return *s
	}
	return ChannelMixingStats{}
}

// Mix filters and sums contemporaneous Audio packets for a channel. Returns
// nil bytes and zero-value stats if no contributor survives filtering.
func (m *Mixer) Mix(packets []*wire.AudioPacket, channelID uuid.UUID) ([]byte, MixStats) {
	start := time.Now()
	cfg := m.configFor(channelID)

	voices := m.filterVoices(packets, channelID, cfg)
	if len(voices) == 0 {
		return nil, MixStats{}
	}

	sampleCount := len(voices[0].samples)
	for _, v := range voices {
		if len(v.samples) < sampleCount {
			sampleCount = len(v.samples)
		}
	}
	if sampleCount == 0 {
		return nil, MixStats{}
	}

	accum := make([]float64, sampleCount)
	for _, v := range voices {
		controls := m.controlsFor(v.userID, channelID)
		applyVoice(accum, v.samples[:sampleCount], controls, cfg)
	}

	out, peak, rms, clipped := applyGlobalProcessing(accum, cfg)

	stats := MixStats{
		ActiveVoices: len(voices),
		TotalSamples: sampleCount,
		PeakLevel:    peak,
		RMSLevel:     rms,
		ClippingDetected: clipped,
		Duration:     time.Since(start),
	}
	m.recordLifetime(channelID, stats)

	return samplesToBytes(out), stats
}

func (m *Mixer) recordLifetime(channelID uuid.UUID, stats MixStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lifetime[channelID]
	if !ok {
		s = &ChannelMixingStats{}
		m.lifetime[channelID] = s
	}
	s.TotalMixes++
	s.TotalVoicesMixed += uint64(stats.ActiveVoices)
	s.LastMixDuration = stats.Duration
	if stats.ClippingDetected {
		s.ClippingEvents++
	}
}

// filterVoices applies the precondition-filtering pipeline: non-empty Audio
// only, solo precedence, mute, then a max-concurrent cap taken in arrival
// order.
func (m *Mixer) filterVoices(packets []*wire.AudioPacket, channelID uuid.UUID, cfg ChannelMixConfig) []voiceInput {
	type candidate struct {
		input    voiceInput
		controls UserAudioControls
	}

	var candidates []candidate
	anySolo := false

	for _, p := range packets {
		if p.Header.Type != wire.TypeAudio || len(p.Payload) == 0 {
			continue
		}
		samples := bytesToSamples(p.Payload)
		controls := m.controlsFor(p.Header.UserID, channelID)

		candidates = append(candidates, candidate{
			input:    voiceInput{userID: p.Header.UserID, samples: samples},
			controls: controls,
		})
		if controls.Solo {
			anySolo = true
		}
	}

	var filtered []candidate
	for _, c := range candidates {
		if c.controls.Muted {
			continue
		}
		if anySolo && !c.controls.Solo {
			continue
		}
		filtered = append(filtered, c)
	}

	maxVoices := cfg.MaxConcurrentVoices
	if maxVoices <= 0 {
		maxVoices = defaultMaxConcurrentVoices
	}
	if len(filtered) > maxVoices {
		filtered = filtered[:maxVoices]
	}

	out := make([]voiceInput, len(filtered))
	for i, c := range filtered {
		out[i] = c.input
	}
	return out
}

// applyVoice accumulates one voice's processed samples into the mix buffer:
// volume/master gain, noise gate, soft noise suppression, then a simple
// high-pass magnitude-threshold approximation.
func applyVoice(accum []float64, samples []int16, controls UserAudioControls, cfg ChannelMixConfig) {
	gain := controls.Volume * cfg.MasterVolume

	for i, s := range samples {
		x := float64(s) * gain

		if cfg.GateEnabled {
			absX := math.Abs(x)
			if absX > 0 {
				db := 20 * math.Log10(absX/i16Max)
				if db < cfg.GateThresholdDB {
					x = 0
				}
			} else {
				x = 0
			}
		}

		if math.Abs(x) < 0.1*i16Max {
			x *= 1 - controls.NoiseSuppression
		}

		if controls.HighPass && math.Abs(x) < 0.05*i16Max {
			x *= 0.5
		}

		accum[i] += x
	}
}

// applyGlobalProcessing runs the compressor, limiter/clip, RMS computation,
// and AGC over the summed mix buffer.
func applyGlobalProcessing(accum []float64, cfg ChannelMixConfig) ([]int16, float64, float64, bool) {
	if cfg.CompressorEnabled {
		ratio := cfg.CompressorRatio
		if ratio <= 0 {
			ratio = 1
		}
		for i, y := range accum {
			abs := math.Abs(y)
			threshold := 0.7 * i16Max
			if abs > threshold {
				excess := abs - threshold
				compressed := threshold + excess/ratio
				if y < 0 {
					accum[i] = -compressed
				} else {
					accum[i] = compressed
				}
			}
		}
	}

	clipped := false
	for _, y := range accum {
		if y > i16Max || y < i16Min {
			clipped = true
			break
		}
	}

	clampMax := float64(i16Max - 1)
	clampMin := float64(i16Min + 1)
	for i, y := range accum {
		if y > clampMax {
			accum[i] = clampMax
		} else if y < clampMin {
			accum[i] = clampMin
		}
	}

	var sumSquares float64
	for _, y := range accum {
		sumSquares += y * y
	}
	rms := math.Sqrt(sumSquares / float64(len(accum)))

	if cfg.AGC && rms > 0 {
		gain := math.Max(0.1, math.Min(2.0, (0.3*i16Max)/rms))
		for i := range accum {
			accum[i] *= gain
			if accum[i] > clampMax {
				accum[i] = clampMax
			} else if accum[i] < clampMin {
				accum[i] = clampMin
			}
		}
	}

	var peak float64
	out := make([]int16, len(accum))
	for i, y := range accum {
		abs := math.Abs(y)
		if abs > peak {
			peak = abs
		}
		out[i] = int16(math.Round(y))
	}

	return out, peak, rms, clipped
}

func bytesToSamples(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
