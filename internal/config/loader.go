package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sitespeak/sitespeak/pkg/audio"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Gateway
	if cfg.Gateway.Endpoint == "" {
		errs = append(errs, errors.New("gateway.endpoint is required"))
	} else if u, err := url.Parse(cfg.Gateway.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("gateway.endpoint %q is not a valid URL: %w", cfg.Gateway.Endpoint, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("gateway.endpoint scheme %q is invalid; use ws or wss", u.Scheme))
	}
	if cfg.Gateway.Token == "" {
		errs = append(errs, errors.New("gateway.token is required"))
	}
	if cfg.Gateway.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("gateway.connect_timeout %v must not be negative", cfg.Gateway.ConnectTimeout))
	}

	// Audio
	if cfg.Audio.Format != "" && !cfg.Audio.Format.IsValid() {
		errs = append(errs, fmt.Errorf("audio.format %q is invalid; valid values: auto, pcm, opus", cfg.Audio.Format))
	}
	if cfg.Audio.SliceMs < 0 {
		errs = append(errs, fmt.Errorf("audio.slice_ms %d must not be negative", cfg.Audio.SliceMs))
	}
	if cfg.Audio.ChunkTarget < 0 || cfg.Audio.ChunkMax < 0 {
		errs = append(errs, errors.New("audio.chunk_target and audio.chunk_max must not be negative"))
	}
	if cfg.Audio.ChunkTarget > 0 && cfg.Audio.ChunkMax > 0 && cfg.Audio.ChunkTarget > cfg.Audio.ChunkMax {
		errs = append(errs, fmt.Errorf("audio.chunk_target %d exceeds audio.chunk_max %d", cfg.Audio.ChunkTarget, cfg.Audio.ChunkMax))
	}
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must not be negative", cfg.Audio.InputSampleRate))
	}

	return errors.Join(errs...)
}

// ChunkTargetBytes returns the configured raw frame target, or the pipeline
// default when unset.
func (a AudioConfig) ChunkTargetBytes() int {
	if a.ChunkTarget > 0 {
		return a.ChunkTarget
	}
	return audio.DefaultChunkTarget
}

// ChunkMaxBytes returns the configured raw frame cap, or the pipeline
// default when unset.
func (a AudioConfig) ChunkMaxBytes() int {
	if a.ChunkMax > 0 {
		return a.ChunkMax
	}
	return audio.DefaultChunkMax
}
