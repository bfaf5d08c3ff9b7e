package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied between calls without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true if the persona or voice changed. The new values
	// apply from the next call on.
	AgentChanged bool
	NewAgent     AgentConfig

	// RestartRequired lists sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// IsEmpty reports whether d carries no change at all.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Agent
	if old.Agent.Persona != new.Agent.Persona || old.Agent.Voice != new.Agent.Voice ||
		old.Agent.ConnectTimeout != new.Agent.ConnectTimeout {
		d.AgentChanged = true
		d.NewAgent = new.Agent
	}

	// Startup-only sections
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProvider(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !sameProvider(old.Providers.LLM, new.Providers.LLM) || !sameFallbacks(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Analysis != new.Analysis {
		d.RestartRequired = append(d.RestartRequired, "analysis")
	}

	return d
}

// sameProvider compares the scalar fields of two entries. Options are not
// compared.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func sameFallbacks(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameProvider(a[i], b[i]) {
			return false
		}
	}
	return true
}
