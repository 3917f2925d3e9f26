// Command marz is the main entry point for the marz conversational core. It
// loads the configuration, wires the realtime provider, the capture gateway
// and the speaker output, then serves the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/marz/internal/app"
	"github.com/MrWong99/marz/internal/config"
	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/internal/resilience"
	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/audio/mixer"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/media/ffmpeg"
	"github.com/MrWong99/marz/pkg/provider/live"
	"github.com/MrWong99/marz/pkg/provider/live/gemini"
	"github.com/MrWong99/marz/pkg/provider/live/genai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "marz: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "marz: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("marz starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetricsHandler(promhttp.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(ctx, *configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		key, err := apiKey(entry)
		if err != nil {
			return nil, err
		}
		opts := []gemini.Option{gemini.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(key, opts...), nil
	})

	reg.RegisterLive("genai", func(entry config.ProviderEntry) (live.Provider, error) {
		key, err := apiKey(entry)
		if err != nil {
			return nil, err
		}
		opts := []genai.Option{genai.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		return genai.New(key, opts...), nil
	})

	// ── Media ─────────────────────────────────────────────────────────────────

	reg.RegisterMedia("ffmpeg", func(entry config.ProviderEntry) (media.Gateway, error) {
		o := entry.Options
		return ffmpeg.New(
			ffmpeg.WithCommand(config.OptString(o, "command")),
			ffmpeg.WithAudioInput(config.OptString(o, "audio_format"), config.OptString(o, "audio_device")),
			ffmpeg.WithVideoInput(config.OptString(o, "video_format"), config.OptString(o, "video_device")),
			ffmpeg.WithCaptureFormat(config.OptInt(o, "sample_rate"), config.OptInt(o, "channels")),
		), nil
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("ffplay", func(entry config.ProviderEntry) (config.OutputOpener, error) {
		path := config.OptString(entry.Options, "command")
		volume := config.OptInt(entry.Options, "volume")
		return func(sampleRate int) (audio.OutputContext, error) {
			p := ffmpeg.NewPlayer(path, sampleRate, 1, volume)
			return &playerOutput{Context: mixer.New(p, mixer.WithSampleRate(sampleRate)), player: p}, nil
		}, nil
	})

	reg.RegisterOutput("discard", func(config.ProviderEntry) (config.OutputOpener, error) {
		return func(sampleRate int) (audio.OutputContext, error) {
			return mixer.New(io.Discard, mixer.WithSampleRate(sampleRate)), nil
		}, nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured providers from reg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := &app.Providers{LiveName: cfg.Providers.Live.Name}

	l, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	p.Live = l
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	for _, entry := range cfg.Providers.LiveFallback {
		fb, err := reg.CreateLive(entry)
		if err != nil {
			slog.Warn("skipping live fallback", "name", entry.Name, "err", err)
			continue
		}
		p.LiveFallbacks = append(p.LiveFallbacks, resilience.Named[live.Provider]{Name: entry.Name, Value: fb})
		slog.Info("provider created", "kind", "live_fallback", "name", entry.Name)
	}

	g, err := reg.CreateMedia(cfg.Providers.Media)
	if err != nil {
		return nil, fmt.Errorf("media gateway %q: %w", cfg.Providers.Media.Name, err)
	}
	p.Media = g
	slog.Info("provider created", "kind", "media", "name", cfg.Providers.Media.Name)

	out, err := reg.CreateOutput(cfg.Providers.Output)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", cfg.Providers.Output.Name, err)
	}
	p.NewOutput = out
	slog.Info("provider created", "kind", "output", "name", cfg.Providers.Output.Name)

	return p, nil
}

// apiKey resolves the key for a live provider: the configured value, then
// GEMINI_API_KEY, then API_KEY.
func apiKey(entry config.ProviderEntry) (string, error) {
	for _, k := range []string{entry.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("API_KEY")} {
		if k != "" {
			return k, nil
		}
	}
	return "", fmt.Errorf("%s: no API key (set api_key, GEMINI_API_KEY or API_KEY)", entry.Name)
}

// playerOutput renders the software output context into an ffplay process
// and stops the process on Close.
type playerOutput struct {
	*mixer.Context
	player *ffmpeg.Player
}

func (o *playerOutput) Close() error {
	return errors.Join(o.Context.Close(), o.player.Close())
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           marz: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", entryValue(cfg.Providers.Live))
	for _, fb := range cfg.Providers.LiveFallback {
		printRow("  fallback", entryValue(fb))
	}
	printRow("Media", entryValue(cfg.Providers.Media))
	printRow("Output", entryValue(cfg.Providers.Output))
	printRow("Voice", orDefault(cfg.Conversation.Voice, "Zephyr"))
	printRow("Preferences", string(cfg.Preferences.ResolvedBackend()))
	if cfg.Sinks.MQTT != nil {
		printRow("MQTT", cfg.Sinks.MQTT.Broker)
	} else {
		printRow("MQTT", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	if !media.SecureContext(cfg.Server.ListenAddr, cfg.Server.TLS != nil) {
		printRow("Media access", "BLOCKED (insecure)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func entryValue(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
