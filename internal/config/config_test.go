package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/marz/internal/config"
	"github.com/MrWong99/marz/pkg/audio"
	audiomock "github.com/MrWong99/marz/pkg/audio/mock"
	"github.com/MrWong99/marz/pkg/media"
	mediamock "github.com/MrWong99/marz/pkg/media/mock"
	"github.com/MrWong99/marz/pkg/provider/live"
	livemock "github.com/MrWong99/marz/pkg/provider/live/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:8080"
  log_level: info

providers:
  live:
    name: gemini-live
    model: gemini-2.5-flash-native-audio-preview-09-2025
  live_fallback:
    - name: genai
  media:
    name: ffmpeg
    options:
      audio_format: alsa
      sample_rate: 48000
  output:
    name: ffplay

conversation:
  voice: Kore
  video: false
  frame_interval: 500ms
  capture_window: 2048

preferences:
  path: /tmp/marz-prefs.yaml

sinks:
  log: true
  mqtt:
    broker: tcp://localhost:1883
    topic: home/marz
    qos: 1
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.Live.Name != "gemini-live" {
		t.Errorf("providers.live.name = %q", cfg.Providers.Live.Name)
	}
	if fb := cfg.Providers.LiveFallback; len(fb) != 1 || fb[0].Name != "genai" {
		t.Errorf("providers.live_fallback = %+v", fb)
	}
	if got := config.OptString(cfg.Providers.Media.Options, "audio_format"); got != "alsa" {
		t.Errorf("media audio_format = %q, want alsa", got)
	}
	if got := config.OptInt(cfg.Providers.Media.Options, "sample_rate"); got != 48000 {
		t.Errorf("media sample_rate = %d, want 48000", got)
	}
	if cfg.Conversation.Voice != "Kore" {
		t.Errorf("voice = %q", cfg.Conversation.Voice)
	}
	if cfg.Conversation.VideoEnabled() {
		t.Error("video should be disabled")
	}
	if !cfg.Conversation.VoiceOutputEnabled() {
		t.Error("voice output should default to enabled")
	}
	if cfg.Conversation.FrameInterval != 500*time.Millisecond {
		t.Errorf("frame_interval = %s, want 500ms", cfg.Conversation.FrameInterval)
	}
	if cfg.Conversation.CaptureWindow != 2048 {
		t.Errorf("capture_window = %d", cfg.Conversation.CaptureWindow)
	}
	if cfg.Preferences.ResolvedBackend() != config.PrefsFile {
		t.Errorf("preferences backend = %q, want file", cfg.Preferences.ResolvedBackend())
	}
	if m := cfg.Sinks.MQTT; m == nil || m.Topic != "home/marz" || m.QoS != 1 {
		t.Errorf("mqtt = %+v", cfg.Sinks.MQTT)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, "")
	if cfg.Preferences.ResolvedBackend() != config.PrefsMemory {
		t.Errorf("backend = %q, want memory", cfg.Preferences.ResolvedBackend())
	}
	if !cfg.Conversation.VideoEnabled() {
		t.Error("video should default to enabled")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	wantLive := &livemock.Provider{}
	wantMedia := &mediamock.Gateway{}
	var gotEntry config.ProviderEntry

	reg.RegisterLive("mock", func(e config.ProviderEntry) (live.Provider, error) {
		gotEntry = e
		return wantLive, nil
	})
	reg.RegisterMedia("mock", func(config.ProviderEntry) (media.Gateway, error) { return wantMedia, nil })
	reg.RegisterOutput("mock", func(config.ProviderEntry) (config.OutputOpener, error) {
		return func(int) (audio.OutputContext, error) { return &audiomock.OutputContext{}, nil }, nil
	})

	p, err := reg.CreateLive(config.ProviderEntry{Name: "mock", Model: "m"})
	if err != nil || p != wantLive {
		t.Fatalf("CreateLive = (%v, %v)", p, err)
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory entry model = %q, want m", gotEntry.Model)
	}
	if g, err := reg.CreateMedia(config.ProviderEntry{Name: "mock"}); err != nil || g != wantMedia {
		t.Errorf("CreateMedia = (%v, %v)", g, err)
	}
	open, err := reg.CreateOutput(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	if out, err := open(24000); err != nil || out == nil {
		t.Errorf("opener = (%v, %v)", out, err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive err = %v", err)
	}
	if _, err := reg.CreateMedia(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateMedia err = %v", err)
	}
	if _, err := reg.CreateOutput(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateOutput err = %v", err)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	boom := errors.New("no api key")
	reg.RegisterLive("x", func(config.ProviderEntry) (live.Provider, error) { return nil, boom })
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLive("genai", nil)
	reg.RegisterLive("gemini-live", nil)
	names := reg.Names()
	if got := names["live"]; len(got) != 2 || got[0] != "gemini-live" || got[1] != "genai" {
		t.Errorf("live names = %v", got)
	}
	if len(names["media"]) != 0 {
		t.Errorf("media names = %v", names["media"])
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"s": "x", "i": 3, "f": 2.9, "b": true}
	if config.OptString(opts, "s") != "x" || config.OptString(opts, "i") != "" || config.OptString(nil, "s") != "" {
		t.Error("OptString")
	}
	if config.OptInt(opts, "i") != 3 || config.OptInt(opts, "f") != 2 || config.OptInt(opts, "b") != 0 {
		t.Error("OptInt")
	}
}
