package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DisplayChanged is true if any display transform or the poll interval
	// changed.
	DisplayChanged bool
	NewDisplay     DisplayConfig

	// RecordingDirChanged takes effect for the next archive written.
	RecordingDirChanged bool
	NewRecordingDir     string

	// RestartRequired lists the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DisplayChanged || d.RecordingDirChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Display != new.Display {
		d.DisplayChanged = true
		d.NewDisplay = new.Display
	}

	if old.Recording.Dir != new.Recording.Dir {
		d.RecordingDirChanged = true
		d.NewRecordingDir = new.Recording.Dir
	}

	if old.Serial != new.Serial {
		d.RestartRequired = append(d.RestartRequired, "serial")
	}
	if old.Recording.Mode != new.Recording.Mode ||
		old.Recording.Duration != new.Recording.Duration ||
		old.Recording.FallbackDir != new.Recording.FallbackDir {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}
