package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Log level changes apply immediately. Session-scoped sections (realtime,
// triggers, interrupt, timing) apply to the next session; a live session
// keeps the configuration it started with. Listener and audio format changes
// need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ListenerChanged  bool // listen_addr or TLS changed; requires restart
	RealtimeChanged  bool
	TriggersChanged  bool
	InterruptChanged bool
	TimingChanged    bool
	AudioChanged     bool // client stream format; requires restart
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.ListenerChanged = true
	}

	d.RealtimeChanged = !equalRealtime(old.Realtime, new.Realtime)
	d.TriggersChanged = old.Triggers != new.Triggers
	d.InterruptChanged = !slices.Equal(old.Interrupt.Phrases, new.Interrupt.Phrases)
	d.TimingChanged = old.Timing != new.Timing
	d.AudioChanged = old.Audio != new.Audio

	return d
}

// SessionChanged reports whether any section that shapes a new session
// changed.
func (d ConfigDiff) SessionChanged() bool {
	return d.RealtimeChanged || d.TriggersChanged || d.InterruptChanged || d.TimingChanged
}

// Sections returns the names of the changed sections, in file order.
func (d ConfigDiff) Sections() []string {
	var out []string
	if d.LogLevelChanged || d.ListenerChanged {
		out = append(out, "server")
	}
	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"realtime", d.RealtimeChanged},
		{"triggers", d.TriggersChanged},
		{"interrupt", d.InterruptChanged},
		{"timing", d.TimingChanged},
		{"audio", d.AudioChanged},
	} {
		if s.changed {
			out = append(out, s.name)
		}
	}
	return out
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalRealtime(a, b RealtimeConfig) bool {
	if a.Provider != b.Provider ||
		a.APIKey != b.APIKey ||
		a.BaseURL != b.BaseURL ||
		a.Model != b.Model ||
		a.Voice != b.Voice ||
		a.TranscriptionModel != b.TranscriptionModel ||
		a.Instructions != b.Instructions {
		return false
	}
	return slices.Equal(a.Fallbacks, b.Fallbacks)
}
