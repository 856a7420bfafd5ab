// Package config provides the configuration schema, loader, hot-reload watcher
// and backend registry for micvad.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/micvad/pkg/provider/vad/energy"
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

// SlogLevel maps l to a [slog.Level]. Unknown levels map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	VAD    VADConfig    `yaml:"vad"`
	Export ExportConfig `yaml:"export"`
}

// ServerConfig holds network and logging settings for serve mode.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the capture backend and sizes the capture pipeline.
type AudioConfig struct {
	// Backend names a registered backend, e.g. "portaudio" or "malgo".
	Backend string `yaml:"backend"`

	// PreferredDevice is a case-insensitive substring matched against device
	// names. Empty selects the built-in preference.
	PreferredDevice string `yaml:"preferred_device"`

	// BufferMs is the ring buffer window in milliseconds.
	BufferMs int `yaml:"buffer_ms"`

	// ChunkMs is the producer read size in milliseconds.
	ChunkMs int `yaml:"chunk_ms"`

	// JoinTimeoutMs bounds how long a stop waits for the producer.
	JoinTimeoutMs int `yaml:"join_timeout_ms"`
}

// BufferDuration returns BufferMs as a duration.
func (a AudioConfig) BufferDuration() time.Duration {
	return time.Duration(a.BufferMs) * time.Millisecond
}

// ChunkDuration returns ChunkMs as a duration.
func (a AudioConfig) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkMs) * time.Millisecond
}

// JoinTimeout returns JoinTimeoutMs as a duration.
func (a AudioConfig) JoinTimeout() time.Duration {
	return time.Duration(a.JoinTimeoutMs) * time.Millisecond
}

// VADConfig holds the energy detector constants. Zero fields take the
// defaults of [energy.DefaultTuning].
type VADConfig struct {
	Sensitivity  float64 `yaml:"sensitivity"`
	ThresholdMin float64 `yaml:"threshold_min"`
	ThresholdMax float64 `yaml:"threshold_max"`
	OffFactor    float64 `yaml:"off_factor"`
	OnMinFrames  int     `yaml:"on_min_frames"`
	OffMinFrames int     `yaml:"off_min_frames"`
	PeakFactor   float64 `yaml:"peak_factor"`
	AmbientMs    int     `yaml:"ambient_ms"`
}

// Tuning converts v to detector constants.
func (v VADConfig) Tuning() energy.Tuning {
	t := energy.DefaultTuning()
	t.SensitivityFactor = v.Sensitivity
	t.ThresholdMin = v.ThresholdMin
	t.ThresholdMax = v.ThresholdMax
	t.OffFactor = v.OffFactor
	t.OnMinFrames = v.OnMinFrames
	t.OffMinFrames = v.OffMinFrames
	t.PeakFactor = v.PeakFactor
	t.AmbientWindow = time.Duration(v.AmbientMs) * time.Millisecond
	return t
}

// ExportConfig controls where serve mode writes WAV snapshots.
type ExportConfig struct {
	// Dir is the directory POST /snapshot writes into. It is created on
	// first export.
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills every zero field with its default.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = "portaudio"
	}
	if cfg.Audio.BufferMs == 0 {
		cfg.Audio.BufferMs = 2000
	}
	if cfg.Audio.ChunkMs == 0 {
		cfg.Audio.ChunkMs = 20
	}
	if cfg.Audio.JoinTimeoutMs == 0 {
		cfg.Audio.JoinTimeoutMs = 500
	}

	def := energy.DefaultTuning()
	v := &cfg.VAD
	if v.Sensitivity == 0 {
		v.Sensitivity = def.SensitivityFactor
	}
	if v.ThresholdMin == 0 {
		v.ThresholdMin = def.ThresholdMin
	}
	if v.ThresholdMax == 0 {
		v.ThresholdMax = def.ThresholdMax
	}
	if v.OffFactor == 0 {
		v.OffFactor = def.OffFactor
	}
	if v.OnMinFrames == 0 {
		v.OnMinFrames = def.OnMinFrames
	}
	if v.OffMinFrames == 0 {
		v.OffMinFrames = def.OffMinFrames
	}
	if v.PeakFactor == 0 {
		v.PeakFactor = def.PeakFactor
	}
	if v.AmbientMs == 0 {
		v.AmbientMs = int(def.AmbientWindow / time.Millisecond)
	}

	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "recordings"
	}
}
