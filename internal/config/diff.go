package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged means the next VAD check or session uses new constants.
	TuningChanged bool

	PreferredDeviceChanged bool
	NewPreferredDevice     string

	// RestartRequired lists settings that only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TuningChanged || d.PreferredDeviceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.TuningChanged = true
	}
	if old.Audio.PreferredDevice != new.Audio.PreferredDevice {
		d.PreferredDeviceChanged = true
		d.NewPreferredDevice = new.Audio.PreferredDevice
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio.Backend != new.Audio.Backend {
		d.RestartRequired = append(d.RestartRequired, "audio.backend")
	}
	if old.Audio.BufferMs != new.Audio.BufferMs || old.Audio.ChunkMs != new.Audio.ChunkMs || old.Audio.JoinTimeoutMs != new.Audio.JoinTimeoutMs {
		d.RestartRequired = append(d.RestartRequired, "audio.buffer")
	}
	return d
}
