package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/marz/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: c.pem\n",
			wantErr: "cert_file and key_file",
		},
		{
			name:    "unknown voice",
			yaml:    "conversation:\n  voice: Robot\n",
			wantErr: "conversation.voice",
		},
		{
			name:    "negative frame interval",
			yaml:    "conversation:\n  frame_interval: -1s\n",
			wantErr: "frame_interval",
		},
		{
			name:    "negative capture window",
			yaml:    "conversation:\n  capture_window: -4\n",
			wantErr: "capture_window",
		},
		{
			name:    "bad backend",
			yaml:    "preferences:\n  backend: redis\n",
			wantErr: "preferences.backend",
		},
		{
			name:    "file backend without path",
			yaml:    "preferences:\n  backend: file\n",
			wantErr: "preferences.path",
		},
		{
			name:    "postgres backend without dsn",
			yaml:    "preferences:\n  backend: postgres\n",
			wantErr: "postgres_dsn",
		},
		{
			name:    "mqtt without broker",
			yaml:    "sinks:\n  mqtt:\n    topic: t\n",
			wantErr: "sinks.mqtt.broker is required",
		},
		{
			name:    "mqtt broker not a url",
			yaml:    "sinks:\n  mqtt:\n    broker: localhost\n",
			wantErr: "tcp://host:1883",
		},
		{
			name:    "mqtt qos",
			yaml:    "sinks:\n  mqtt:\n    broker: tcp://b:1883\n    qos: 3\n",
			wantErr: "sinks.mqtt.qos",
		},
		{
			name: "valid",
			yaml: "server:\n  log_level: debug\nconversation:\n  voice: Puck\npreferences:\n  backend: postgres\n  postgres_dsn: postgres://x\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
conversation:
  voice: Robot
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "voice"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_SuggestsCloseVoice(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("conversation:\n  voice: puk\n"))
	if err == nil || !strings.Contains(err.Error(), `did you mean "Puck"?`) {
		t.Errorf("error = %v, want a suggestion for Puck", err)
	}

	_, err = config.LoadFromReader(strings.NewReader("conversation:\n  voice: Robot\n"))
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %v, want no suggestion for a distant name", err)
	}
}

func TestValidate_UnknownProviderNameIsOnlyAWarning(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadFromReader(strings.NewReader("providers:\n  live:\n    name: homebrew\n")); err != nil {
		t.Errorf("unknown provider name should not fail validation: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

func TestPreferencesConfig_ResolvedBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.PreferencesConfig
		want config.PreferenceBackend
	}{
		{config.PreferencesConfig{}, config.PrefsMemory},
		{config.PreferencesConfig{Path: "p.yaml"}, config.PrefsFile},
		{config.PreferencesConfig{Backend: config.PrefsPostgres, Path: "p.yaml"}, config.PrefsPostgres},
	}
	for _, tt := range tests {
		if got := tt.in.ResolvedBackend(); got != tt.want {
			t.Errorf("ResolvedBackend(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
