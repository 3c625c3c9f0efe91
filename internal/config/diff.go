package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged, AudioChanged and DevicesChanged take effect on the next
	// call; a call in progress keeps its settings.
	AgentChanged   bool
	AudioChanged   bool
	DevicesChanged bool

	// ListenAddrChanged requires a restart.
	ListenAddrChanged bool
}

// CallSettingsChanged reports whether the next call must be built from the
// new config.
func (d ConfigDiff) CallSettingsChanged() bool {
	return d.AgentChanged || d.AudioChanged || d.DevicesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.AgentChanged = old.Agent != new.Agent
	d.AudioChanged = old.Audio != new.Audio
	d.DevicesChanged = old.Devices != new.Devices

	return d
}
