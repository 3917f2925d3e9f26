package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/marz/internal/config"
)

func ptr[T any](v T) *T { return &v }

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Live: config.ProviderEntry{Name: "gemini-live"},
		},
		Conversation: config.ConversationConfig{Voice: "Zephyr"},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old, cur := baseConfig(), baseConfig()
	cur.Server.LogLevel = config.LogDebug
	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not need a restart: %v", d.RestartRequired)
	}
}

func TestDiff_Conversation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.ConversationConfig)
		check  func(config.ConfigDiff) bool
	}{
		{"voice", func(c *config.ConversationConfig) { c.Voice = "Puck" }, func(d config.ConfigDiff) bool { return d.VoiceChanged }},
		{"video off", func(c *config.ConversationConfig) { c.Video = ptr(false) }, func(d config.ConfigDiff) bool { return d.VideoChanged }},
		{"video explicitly on", func(c *config.ConversationConfig) { c.Video = ptr(true) }, func(d config.ConfigDiff) bool { return !d.VideoChanged }},
		{"voice output", func(c *config.ConversationConfig) { c.VoiceOutput = ptr(false) }, func(d config.ConfigDiff) bool { return d.VoiceOutputChanged }},
		{"instruction", func(c *config.ConversationConfig) { c.SystemInstruction = "be brief" }, func(d config.ConfigDiff) bool { return !d.VoiceChanged }},
		{"frame interval", func(c *config.ConversationConfig) { c.FrameInterval = time.Second }, func(d config.ConfigDiff) bool { return true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, cur := baseConfig(), baseConfig()
			tt.mutate(&cur.Conversation)
			d := config.Diff(old, cur)
			if !tt.check(d) {
				t.Errorf("diff = %+v", d)
			}
			wantChanged := tt.name != "video explicitly on"
			if d.ConversationChanged != wantChanged {
				t.Errorf("ConversationChanged = %v, want %v", d.ConversationChanged, wantChanged)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	old, cur := baseConfig(), baseConfig()
	cur.Server.ListenAddr = ":9090"
	cur.Providers.Live.Name = "genai"
	cur.Preferences.Path = "prefs.yaml"
	cur.Sinks.MQTT = &config.MQTTConfig{Broker: "tcp://b:1883"}

	d := config.Diff(old, cur)
	for _, want := range []string{"server", "providers", "preferences", "sinks"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.Empty() {
		t.Error("Empty() = true")
	}
}
