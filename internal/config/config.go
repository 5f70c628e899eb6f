// Package config provides the configuration schema, loader and file watcher
// for the SiteSpeak voice client.
package config

import (
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio/format"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  LogLevel        `yaml:"log_level"`
}

// GatewayConfig holds connection settings for the voice gateway.
type GatewayConfig struct {
	// Endpoint is the gateway websocket URL (e.g., "wss://voice.example.com/session").
	Endpoint string `yaml:"endpoint"`

	// Token is the bearer token issued by the auth service. The client only
	// consumes it; issuance and refresh live elsewhere.
	Token string `yaml:"token"`

	// SessionID optionally resumes a pre-established session. Leave empty to
	// let the gateway assign one on connect.
	SessionID string `yaml:"session_id"`

	// ConnectTimeout bounds connection establishment. Zero means the
	// transport default.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SessionConfig holds conversation-level settings.
type SessionConfig struct {
	// Language is the language tag sent with start_recording and text_input
	// (e.g., "en", "de-DE"). Changing it forces a new session.
	Language string `yaml:"language"`

	// Voice is the gateway-specific synthesis voice identifier. Changing it
	// forces a new session.
	Voice string `yaml:"voice"`

	// Continuous keeps the session listening after each completed turn
	// instead of returning to idle.
	Continuous bool `yaml:"continuous"`
}

// AudioConfig holds capture pipeline settings.
type AudioConfig struct {
	// Format selects the transport encoding: "auto", "pcm" or "opus".
	// Auto prefers Opus when the encoder is available.
	Format format.Preference `yaml:"format"`

	// SliceMs is the Opus frame duration in milliseconds. Snapped to the
	// nearest legal Opus duration (10, 20, 40 or 60).
	SliceMs int `yaml:"slice_ms"`

	// ChunkTarget is the raw PCM frame size in bytes.
	ChunkTarget int `yaml:"chunk_target"`

	// ChunkMax is the hard cap on a single raw PCM frame.
	ChunkMax int `yaml:"chunk_max"`

	// InputSampleRate overrides the capture device rate. Zero means the
	// 24 kHz transport rate.
	InputSampleRate int `yaml:"input_sample_rate"`
}

// TelemetryConfig holds settings for the metrics endpoint.
type TelemetryConfig struct {
	// MetricsAddr is the TCP address serving the Prometheus scrape endpoint
	// (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}
