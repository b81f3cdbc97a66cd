package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebounceChanged bool
	NewDebounceMs   int

	AlertsChanged    bool
	NewAlertsEnabled bool
}

// Empty reports whether no reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DebounceChanged && !d.AlertsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: log level,
// the debounce window, and the alerts toggle. Everything else (listen
// address, storage, model endpoints) requires a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Analysis.DebounceMs != new.Analysis.DebounceMs {
		d.DebounceChanged = true
		d.NewDebounceMs = new.Analysis.DebounceMs
	}
	if old.Analysis.AlertsEnabled != new.Analysis.AlertsEnabled {
		d.AlertsChanged = true
		d.NewAlertsEnabled = new.Analysis.AlertsEnabled
	}
	return d
}
