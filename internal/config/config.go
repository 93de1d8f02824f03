// Package config loads voicecore's runtime configuration from CLI flags
// and environment variables, precedence CLI > env > default, matching the
// teacher repo's flag.NewFlagSet + env-override convention.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the voicecore server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	BindAddress             string
	AdminBindAddress        string
	MaxPacketSize           int
	ConnectionTimeoutMs     int
	MaxConcurrentConnections int
	LoopbackMode            bool

	AudioSampleRate int
	AudioChannels   int

	MaxUsersPerChannel int
	MaxChannels        int

	MetricsEnabled   bool
	JWTSecret        string
	AdminAPIKeyHash  string

	MixPoolMaxWorkers         int
	MixPoolQueueSize          int
	MixPoolWorkerTimeoutMs    int
	MixPoolMaxConcurrentMixes int

	JitterInitialTargetLatencyMs int

	RateLimitUDPPerEndpointRate  float64
	RateLimitUDPPerEndpointBurst int

	LogLevel  string
	LogFormat string
}

const (
	defaultBindAddress      = ":9450"
	defaultAdminBindAddress = ":8090"
	defaultMaxPacketSize    = 1472
	defaultConnectionTimeoutMs = 30_000
	defaultMaxConcurrentConnections = 4096

	defaultAudioSampleRate = 48000
	defaultAudioChannels   = 1

	defaultMaxUsersPerChannel = 64
	defaultMaxChannels        = 1024

	defaultMixPoolQueueSize          = 256
	defaultMixPoolWorkerTimeoutMs    = 500
	defaultJitterInitialTargetLatencyMs = 40

	defaultRateLimitUDPPerEndpointRate  = 200
	defaultRateLimitUDPPerEndpointBurst = 400

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all voicecore environment variables.
const envPrefix = "VOICECORE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicecore", flag.ContinueOnError)

	fs.StringVar(&cfg.BindAddress, "bind-address", defaultBindAddress, "UDP datagram listener address")
	fs.StringVar(&cfg.AdminBindAddress, "admin-bind-address", defaultAdminBindAddress, "admin/observability HTTP listener address")
	fs.IntVar(&cfg.MaxPacketSize, "max-packet-size", defaultMaxPacketSize, "maximum UDP datagram size in bytes")
	fs.IntVar(&cfg.ConnectionTimeoutMs, "connection-timeout-ms", defaultConnectionTimeoutMs, "participant inactivity eviction timeout in milliseconds")
	fs.IntVar(&cfg.MaxConcurrentConnections, "max-concurrent-connections", defaultMaxConcurrentConnections, "hard cap on concurrent connection table entries")
	fs.BoolVar(&cfg.LoopbackMode, "loopback-mode", false, "return audio to the sender's own endpoint instead of fanning out (test only)")

	fs.IntVar(&cfg.AudioSampleRate, "audio-sample-rate", defaultAudioSampleRate, "nominal mix output sample rate in Hz")
	fs.IntVar(&cfg.AudioChannels, "audio-channels", defaultAudioChannels, "nominal mix output channel count")

	fs.IntVar(&cfg.MaxUsersPerChannel, "max-users-per-channel", defaultMaxUsersPerChannel, "maximum members per channel (validated only; per-channel caps come from each channel's routing config)")
	fs.IntVar(&cfg.MaxChannels, "max-channels", defaultMaxChannels, "maximum concurrently active channels (parsed only; not enforced)")

	fs.BoolVar(&cfg.MetricsEnabled, "metrics-enabled", true, "enable the /metrics Prometheus endpoint")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for directory join-token signing (auto-generated if empty)")
	fs.StringVar(&cfg.AdminAPIKeyHash, "admin-api-key-hash", "", "bcrypt hash of the admin API key used to mint join tokens")

	fs.IntVar(&cfg.MixPoolMaxWorkers, "mixpool-max-workers", 0, "mix pool worker count (0 = CPU count, minimum 4)")
	fs.IntVar(&cfg.MixPoolQueueSize, "mixpool-queue-size", defaultMixPoolQueueSize, "mix pool bounded queue size")
	fs.IntVar(&cfg.MixPoolWorkerTimeoutMs, "mixpool-worker-timeout-ms", defaultMixPoolWorkerTimeoutMs, "mix job deadline in milliseconds")
	fs.IntVar(&cfg.MixPoolMaxConcurrentMixes, "mixpool-max-concurrent-mixes", 0, "mix pool concurrency permits (0 = worker count)")

	fs.IntVar(&cfg.JitterInitialTargetLatencyMs, "jitter-initial-target-latency-ms", defaultJitterInitialTargetLatencyMs, "seed jitter buffer target latency before auto-tune converges (parsed only; the router seeds every buffer at 40 ms)")

	fs.Float64Var(&cfg.RateLimitUDPPerEndpointRate, "ratelimit-udp-per-endpoint-rate", defaultRateLimitUDPPerEndpointRate, "per-source-endpoint UDP ingress rate limit (packets/sec)")
	fs.IntVar(&cfg.RateLimitUDPPerEndpointBurst, "ratelimit-udp-per-endpoint-burst", defaultRateLimitUDPPerEndpointBurst, "per-source-endpoint UDP ingress burst size")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly set on the command line. CLI flags take precedence over env vars.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"bind-address":                     envPrefix + "BIND_ADDRESS",
		"admin-bind-address":               envPrefix + "ADMIN_BIND_ADDRESS",
		"max-packet-size":                  envPrefix + "MAX_PACKET_SIZE",
		"connection-timeout-ms":            envPrefix + "CONNECTION_TIMEOUT_MS",
		"max-concurrent-connections":       envPrefix + "MAX_CONCURRENT_CONNECTIONS",
		"loopback-mode":                    envPrefix + "LOOPBACK_MODE",
		"audio-sample-rate":                envPrefix + "AUDIO_SAMPLE_RATE",
		"audio-channels":                   envPrefix + "AUDIO_CHANNELS",
		"max-users-per-channel":            envPrefix + "MAX_USERS_PER_CHANNEL",
		"max-channels":                     envPrefix + "MAX_CHANNELS",
		"metrics-enabled":                  envPrefix + "METRICS_ENABLED",
		"jwt-secret":                       envPrefix + "JWT_SECRET",
		"admin-api-key-hash":               envPrefix + "ADMIN_API_KEY_HASH",
		"mixpool-max-workers":              envPrefix + "MIXPOOL_MAX_WORKERS",
		"mixpool-queue-size":               envPrefix + "MIXPOOL_QUEUE_SIZE",
		"mixpool-worker-timeout-ms":        envPrefix + "MIXPOOL_WORKER_TIMEOUT_MS",
		"mixpool-max-concurrent-mixes":     envPrefix + "MIXPOOL_MAX_CONCURRENT_MIXES",
		"jitter-initial-target-latency-ms": envPrefix + "JITTER_INITIAL_TARGET_LATENCY_MS",
		"ratelimit-udp-per-endpoint-rate":  envPrefix + "RATELIMIT_UDP_PER_ENDPOINT_RATE",
		"ratelimit-udp-per-endpoint-burst": envPrefix + "RATELIMIT_UDP_PER_ENDPOINT_BURST",
		"log-level":                        envPrefix + "LOG_LEVEL",
		"log-format":                       envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "bind-address":
			cfg.BindAddress = val
		case "admin-bind-address":
			cfg.AdminBindAddress = val
		case "max-packet-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxPacketSize = v
			}
		case "connection-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ConnectionTimeoutMs = v
			}
		case "max-concurrent-connections":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxConcurrentConnections = v
			}
		case "loopback-mode":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.LoopbackMode = v
			}
		case "audio-sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AudioSampleRate = v
			}
		case "audio-channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AudioChannels = v
			}
		case "max-users-per-channel":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxUsersPerChannel = v
			}
		case "max-channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxChannels = v
			}
		case "metrics-enabled":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.MetricsEnabled = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "admin-api-key-hash":
			cfg.AdminAPIKeyHash = val
		case "mixpool-max-workers":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MixPoolMaxWorkers = v
			}
		case "mixpool-queue-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MixPoolQueueSize = v
			}
		case "mixpool-worker-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MixPoolWorkerTimeoutMs = v
			}
		case "mixpool-max-concurrent-mixes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MixPoolMaxConcurrentMixes = v
			}
		case "jitter-initial-target-latency-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.JitterInitialTargetLatencyMs = v
			}
		case "ratelimit-udp-per-endpoint-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimitUDPPerEndpointRate = v
			}
		case "ratelimit-udp-per-endpoint-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitUDPPerEndpointBurst = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane, failing fast at startup
// rather than surfacing a confusing runtime error later.
func (c *Config) validate() error {
	if c.MaxPacketSize < 64 || c.MaxPacketSize > 65507 {
		return fmt.Errorf("max-packet-size must be between 64 and 65507, got %d", c.MaxPacketSize)
	}
	if c.ConnectionTimeoutMs < 1000 {
		return fmt.Errorf("connection-timeout-ms must be at least 1000, got %d", c.ConnectionTimeoutMs)
	}
	if c.MaxConcurrentConnections < 1 {
		return fmt.Errorf("max-concurrent-connections must be positive, got %d", c.MaxConcurrentConnections)
	}
	if c.AudioChannels != 1 && c.AudioChannels != 2 {
		return fmt.Errorf("audio-channels must be 1 or 2, got %d", c.AudioChannels)
	}
	if c.MaxUsersPerChannel < 2 {
		return fmt.Errorf("max-users-per-channel must be at least 2, got %d", c.MaxUsersPerChannel)
	}
	if c.MixPoolWorkerTimeoutMs < 1 {
		return fmt.Errorf("mixpool-worker-timeout-ms must be positive, got %d", c.MixPoolWorkerTimeoutMs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret used for
// directory join tokens. If none is configured, it generates a random
// 32-byte key for the process lifetime (tokens won't survive a restart).
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (join tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
