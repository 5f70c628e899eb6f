package config

// ConfigDiff describes what changed between two configs and how to apply it.
// Log level changes are hot-reloadable; session and gateway changes require
// tearing down the active voice session and starting a new one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartSession is true when language, voice, audio format or gateway
	// settings changed. These are fixed at session establishment.
	RestartSession bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RestartSession
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Gateway != new.Gateway ||
		old.Session != new.Session ||
		old.Audio != new.Audio {
		d.RestartSession = true
	}

	return d
}
