package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/micvad/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	for name, doc := range map[string]string{"empty": "", "partial": "server:\n  listen_addr: \":9000\"\n"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(doc))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Server.LogLevel != config.LogInfo {
				t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
			}
			if cfg.Audio.Backend != "portaudio" || cfg.Audio.BufferMs != 2000 || cfg.Audio.ChunkMs != 20 || cfg.Audio.JoinTimeoutMs != 500 {
				t.Errorf("audio defaults = %+v", cfg.Audio)
			}
			if cfg.Export.Dir != "recordings" {
				t.Errorf("export.dir = %q", cfg.Export.Dir)
			}
			tn := cfg.VAD.Tuning()
			if tn.SensitivityFactor != 3.5 || tn.ThresholdMin != 600 || tn.ThresholdMax != 2500 || tn.AmbientWindow != 400*time.Millisecond {
				t.Errorf("tuning defaults = %+v", tn)
			}
		})
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	doc := `
server:
  listen_addr: "127.0.0.1:8095"
  log_level: debug
audio:
  backend: malgo
  preferred_device: blue yeti
  buffer_ms: 5000
  chunk_ms: 40
  join_timeout_ms: 250
vad:
  sensitivity: 4
  threshold_min: 500
  threshold_max: 3000
  off_factor: 0.6
  on_min_frames: 4
  off_min_frames: 12
  peak_factor: 2
  ambient_ms: 600
export:
  dir: /tmp/micvad
`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.BufferDuration() != 5*time.Second || cfg.Audio.ChunkDuration() != 40*time.Millisecond || cfg.Audio.JoinTimeout() != 250*time.Millisecond {
		t.Errorf("durations = %v/%v/%v", cfg.Audio.BufferDuration(), cfg.Audio.ChunkDuration(), cfg.Audio.JoinTimeout())
	}
	tn := cfg.VAD.Tuning()
	if tn.SensitivityFactor != 4 || tn.OffFactor != 0.6 || tn.OnMinFrames != 4 || tn.OffMinFrames != 12 || tn.PeakFactor != 2 || tn.AmbientWindow != 600*time.Millisecond {
		t.Errorf("tuning = %+v", tn)
	}
	if tn.FrameDuration != 20*time.Millisecond {
		t.Errorf("frame duration = %v, want the fixed 20ms", tn.FrameDuration)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  bakend: malgo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	doc := `
server:
  log_level: bananas
audio:
  chunk_ms: 5000
vad:
  off_factor: 1.5
  threshold_min: 900
  threshold_max: 800
`
	_, err := config.LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "chunk_ms", "off factor", "threshold max"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvPreferredDevice: "  Logitech ",
		config.EnvBackend:         "malgo",
		config.EnvLogLevel:        "DEBUG",
	}
	cfg := config.Default()
	if err := config.ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.PreferredDevice != "Logitech" || cfg.Audio.Backend != "malgo" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("cfg after env = %+v / %+v", cfg.Audio, cfg.Server)
	}

	cfg = config.Default()
	cfg.Audio.PreferredDevice = "usb"
	_ = config.ApplyEnv(cfg, func(string) string { return "" })
	if cfg.Audio.PreferredDevice != "usb" {
		t.Error("blank environment overrode the configured preference")
	}

	if err := config.ApplyEnv(config.Default(), func(k string) string {
		if k == config.EnvLogLevel {
			return "loud"
		}
		return ""
	}); err == nil {
		t.Error("expected error for invalid MICVAD_LOG_LEVEL")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || cfg.Server.ListenAddr != ":8090" {
		t.Fatalf("missing file: cfg=%+v err=%v", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOrDefault(path); err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("malformed file error = %v", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"verbose":       slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
