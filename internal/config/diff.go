package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are applied by the caller; the rest are reported so the operator
// knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is set when any session default changed. The new
	// defaults apply from the next session start.
	ConversationChanged bool
	VoiceChanged        bool
	VideoChanged        bool
	VoiceOutputChanged  bool

	// RestartRequired lists top-level sections whose changes only apply
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Conversation, new.Conversation
	d.VoiceChanged = oc.Voice != nc.Voice
	d.VideoChanged = oc.VideoEnabled() != nc.VideoEnabled()
	d.VoiceOutputChanged = oc.VoiceOutputEnabled() != nc.VoiceOutputEnabled()
	d.ConversationChanged = d.VoiceChanged || d.VideoChanged || d.VoiceOutputChanged ||
		oc.SystemInstruction != nc.SystemInstruction ||
		oc.FrameInterval != nc.FrameInterval ||
		oc.CaptureWindow != nc.CaptureWindow

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Preferences != new.Preferences {
		d.RestartRequired = append(d.RestartRequired, "preferences")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	return d
}
