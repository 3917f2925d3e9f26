package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini-live", "genai"},
	"media":  {"ffmpeg"},
	"output": {"ffplay", "discard"},
}

// validVoices mirrors the voices the live service offers.
var validVoices = []string{"Zephyr", "Kore", "Puck"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	for _, fb := range cfg.Providers.LiveFallback {
		validateProviderName("live", fb.Name)
	}
	validateProviderName("media", cfg.Providers.Media.Name)
	validateProviderName("output", cfg.Providers.Output.Name)

	// Conversation
	conv := cfg.Conversation
	if conv.Voice != "" && !slices.Contains(validVoices, conv.Voice) {
		err := fmt.Errorf("conversation.voice %q is invalid; valid values: %s", conv.Voice, strings.Join(validVoices, ", "))
		if s := suggest(conv.Voice, validVoices); s != "" {
			err = fmt.Errorf("%w (did you mean %q?)", err, s)
		}
		errs = append(errs, err)
	}
	if conv.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("conversation.frame_interval %s must not be negative", conv.FrameInterval))
	}
	if conv.CaptureWindow < 0 {
		errs = append(errs, fmt.Errorf("conversation.capture_window %d must not be negative", conv.CaptureWindow))
	}

	// Preferences
	p := cfg.Preferences
	if p.Backend != "" && !p.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("preferences.backend %q is invalid; valid values: memory, file, postgres", p.Backend))
	}
	switch p.ResolvedBackend() {
	case PrefsFile:
		if p.Path == "" {
			errs = append(errs, errors.New("preferences.path is required for the file backend"))
		}
	case PrefsPostgres:
		if p.PostgresDSN == "" {
			errs = append(errs, errors.New("preferences.postgres_dsn is required for the postgres backend"))
		}
	}

	// Sinks
	if m := cfg.Sinks.MQTT; m != nil {
		if m.Broker == "" {
			errs = append(errs, errors.New("sinks.mqtt.broker is required"))
		} else if u, err := url.Parse(m.Broker); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("sinks.mqtt.broker %q must be a URL such as tcp://host:1883", m.Broker))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("sinks.mqtt.qos %d is invalid; valid values: 0, 1, 2", m.QoS))
		}
	}

	if cfg.Providers.Live.Name == "" {
		slog.Warn("providers.live is not configured; sessions cannot be started")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
		"suggestion", suggest(name, known),
	)
}

// suggest returns the candidate closest to name when it is within two
// edits, ignoring case, or "".
func suggest(name string, candidates []string) string {
	best, bestDist := "", 3
	for _, c := range candidates {
		if d := matchr.Levenshtein(strings.ToLower(name), strings.ToLower(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
