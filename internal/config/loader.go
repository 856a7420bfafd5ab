package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/micvad/pkg/audio"
)

// Environment variables read by [ApplyEnv].
const (
	EnvPreferredDevice = audio.PreferredDeviceEnv
	EnvBackend         = "MICVAD_AUDIO_BACKEND"
	EnvLogLevel        = "MICVAD_LOG_LEVEL"
)

// KnownBackends lists the backend names shipped with micvad. Used by
// [Validate] to warn about unrecognised names.
var KnownBackends = []string{"portaudio", "malgo"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadOrDefault is [Load] for CLI commands: an empty path or a missing file
// yields [Default]. Any other failure is returned.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document is the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.Backend != "" && !slices.Contains(KnownBackends, cfg.Audio.Backend) {
		slog.Warn("unknown audio backend, may be a typo or third-party backend",
			"name", cfg.Audio.Backend,
			"known", KnownBackends,
		)
	}
	if cfg.Audio.BufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_ms %d must not be negative", cfg.Audio.BufferMs))
	}
	if cfg.Audio.ChunkMs < 0 || cfg.Audio.ChunkMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [1, 1000]", cfg.Audio.ChunkMs))
	}
	if cfg.Audio.ChunkMs > 0 && cfg.Audio.BufferMs > 0 && cfg.Audio.ChunkMs > cfg.Audio.BufferMs {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d exceeds audio.buffer_ms %d", cfg.Audio.ChunkMs, cfg.Audio.BufferMs))
	}
	if cfg.Audio.JoinTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("audio.join_timeout_ms %d must not be negative", cfg.Audio.JoinTimeoutMs))
	}

	if err := cfg.VAD.Tuning().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	return errors.Join(errs...)
}

// ApplyEnv overrides cfg from the environment. getenv is usually os.Getenv.
// Unset or blank variables leave the configured value alone.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPreferredDevice)); v != "" {
		cfg.Audio.PreferredDevice = v
	}
	if v := strings.TrimSpace(getenv(EnvBackend)); v != "" {
		cfg.Audio.Backend = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	return Validate(cfg)
}
