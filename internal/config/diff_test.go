package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/micvad/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(t *testing.T, d config.ConfigDiff)
		changed bool
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			check:  func(*testing.T, config.ConfigDiff) {},
		},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			changed: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:    "tuning",
			mutate:  func(c *config.Config) { c.VAD.Sensitivity = 5 },
			changed: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.TuningChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:    "preferred device",
			mutate:  func(c *config.Config) { c.Audio.PreferredDevice = "yeti" },
			changed: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PreferredDeviceChanged || d.NewPreferredDevice != "yeti" {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "restart settings",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Audio.Backend = "malgo"
				c.Audio.BufferMs = 3000
			},
			changed: true,
			check: func(t *testing.T, d config.ConfigDiff) {
				want := []string{"server.listen_addr", "audio.backend", "audio.buffer"}
				if !slices.Equal(d.RestartRequired, want) {
					t.Errorf("restart required = %v, want %v", d.RestartRequired, want)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			next := config.Default()
			tt.mutate(next)
			d := config.Diff(old, next)
			if d.Changed() != tt.changed {
				t.Errorf("Changed() = %t, want %t", d.Changed(), tt.changed)
			}
			tt.check(t, d)
		})
	}
}
