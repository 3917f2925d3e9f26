// Package app wires all marz subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the preference store,
// the conversation orchestrator, diagnostics, the snapshot sinks and the
// control server; Run serves the control API until the context is cancelled;
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithPreferenceStore,
// WithSinks, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/marz/internal/config"
	"github.com/MrWong99/marz/internal/diagnostics"
	"github.com/MrWong99/marz/internal/health"
	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/internal/prefs"
	"github.com/MrWong99/marz/internal/resilience"
	"github.com/MrWong99/marz/internal/server"
	"github.com/MrWong99/marz/internal/session"
	"github.com/MrWong99/marz/internal/sink"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// ShutdownTimeout bounds the graceful HTTP shutdown in [App.Run].
const ShutdownTimeout = 5 * time.Second

// Providers holds one value per provider slot. Populated by main.go via the
// config registry.
type Providers struct {
	// Live is the primary realtime service and LiveName its registry name.
	Live     live.Provider
	LiveName string

	// LiveFallbacks are tried in order when Live fails to connect.
	LiveFallbacks []resilience.Named[live.Provider]

	Media     media.Gateway
	NewOutput session.OutputFactory
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	store  prefs.Store
	live   live.Provider
	conv   *session.Orchestrator
	diag   *diagnostics.Runner
	hub    *sink.Hub
	sinks  []sink.Sink
	detach func()
	health *health.Handler
	server *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPreferenceStore injects a store instead of creating one from config.
func WithPreferenceStore(s prefs.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSinks adds snapshot sinks on top of the configured ones.
func WithSinks(sinks ...sink.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, sinks...) }
}

// WithLogLevel hands the app the level variable backing the process logger
// so that hot reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil || providers.Media == nil {
		return nil, errors.New("app: live provider and media gateway are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Preference store ──────────────────────────────────────────────
	if err := a.initPreferences(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init preferences: %w", err)
	}

	// ── 2. Live provider (+ failover) ────────────────────────────────────
	a.initLive()

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	if err := a.initConversation(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	// ── 4. Diagnostics ───────────────────────────────────────────────────
	a.diag = diagnostics.New(providers.Media,
		diagnostics.WithSecureContext(a.secure),
		diagnostics.WithEndpoint(cfg.Server.ListenAddr),
		diagnostics.WithMetrics(a.metrics),
	)

	// ── 5. Sinks ─────────────────────────────────────────────────────────
	a.initSinks()

	// ── 6. Health + control server ───────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPreferences opens the configured store unless one was injected.
func (a *App) initPreferences(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	pc := a.cfg.Preferences
	switch pc.ResolvedBackend() {
	case config.PrefsFile:
		a.store = prefs.NewFileStore(pc.Path)
	case config.PrefsPostgres:
		pool, err := pgxpool.New(ctx, pc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := prefs.NewPostgresStore(pool, pc.Profile)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.store = store
	default:
		a.store = prefs.NewMemoryStore(prefs.Preferences{})
	}
	slog.Info("preference store ready", "backend", pc.ResolvedBackend())
	return nil
}

// initLive wraps the primary provider in a failover chain when fallbacks are
// configured.
func (a *App) initLive() {
	a.live = a.providers.Live
	if len(a.providers.LiveFallbacks) == 0 {
		return
	}
	name := a.providers.LiveName
	if name == "" {
		name = "primary"
	}
	a.live = resilience.NewLiveFallback(a.live, name, a.providers.LiveFallbacks,
		resilience.WithMaxFailures(3),
		resilience.WithResetTimeout(time.Minute),
	)
	slog.Info("live provider failover enabled", "primary", name, "fallbacks", len(a.providers.LiveFallbacks))
}

// initConversation builds the orchestrator from the conversation defaults
// and the stored device and avatar selection.
func (a *App) initConversation(ctx context.Context) error {
	cc := a.cfg.Conversation
	voice := session.VoiceZephyr
	if cc.Voice != "" {
		v, err := session.ParseVoice(cc.Voice)
		if err != nil {
			return err
		}
		voice = v
	}

	initial, err := a.store.Load(ctx)
	if err != nil {
		slog.Warn("could not load preferences, using defaults", "err", err)
		initial = prefs.Preferences{}
	}

	opts := []session.Option{
		session.WithModel(a.cfg.Providers.Live.Model),
		session.WithVoice(voice),
		session.WithSystemInstruction(cc.SystemInstruction),
		session.WithVideo(cc.VideoEnabled()),
		session.WithVoiceOutput(cc.VoiceOutputEnabled()),
		session.WithPreferences(a.store, initial),
		session.WithMetrics(a.metrics),
		session.WithSecureContext(a.secure),
	}
	if cc.FrameInterval > 0 {
		opts = append(opts, session.WithFrameInterval(cc.FrameInterval))
	}
	if cc.CaptureWindow > 0 {
		opts = append(opts, session.WithCaptureWindow(cc.CaptureWindow))
	}
	a.conv = session.New(a.live, a.providers.Media, a.providers.NewOutput, opts...)
	return nil
}

// initSinks creates the websocket hub plus the configured sinks and attaches
// them to the orchestrator.
func (a *App) initSinks() {
	a.hub = sink.NewHub()
	sinks := []sink.Sink{a.hub}
	if a.cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLog(nil))
	}
	if mc := a.cfg.Sinks.MQTT; mc != nil {
		m := sink.NewMQTT(sink.MQTTOptions{
			Broker:   mc.Broker,
			ClientID: mc.ClientID,
			Username: mc.Username,
			Password: mc.Password,
			Topic:    mc.Topic,
			QoS:      mc.QoS,
			Retain:   mc.Retain,
			Breaker:  resilience.NewBreaker("mqtt"),
		})
		sinks = append(sinks, m)
		slog.Info("mqtt sink enabled", "broker", mc.Broker, "sink", m.String())
	}
	a.sinks = append(sinks, a.sinks...)
	a.detach = sink.Attach(a.conv, a.sinks...)
}

// initServer builds the readiness checks and the control server.
func (a *App) initServer() {
	a.health = health.New([]health.Checker{
		{Name: "preferences", Check: func(ctx context.Context) error {
			_, err := a.store.Load(ctx)
			return err
		}},
		{Name: "media", Check: func(ctx context.Context) error {
			_, err := a.providers.Media.ListDevices(ctx)
			if media.ListFailed(err, media.AudioInput) {
				return err
			}
			return nil
		}},
	})

	opts := []server.Option{
		server.WithDiagnostics(a.diag),
		server.WithEvents(a.hub),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	if t := a.cfg.Server.TLS; t != nil {
		opts = append(opts, server.WithTLS(t.CertFile, t.KeyFile))
	}
	a.server = server.New(a.conv, opts...)
}

// secure reports whether media access is allowed from the configured
// listen address.
func (a *App) secure() bool {
	return media.SecureContext(a.cfg.Server.ListenAddr, a.cfg.Server.TLS != nil)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Conversation returns the orchestrator.
func (a *App) Conversation() *session.Orchestrator { return a.conv }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("control API listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil, "secure_context", a.secure())
	if err := a.server.Serve(ctx, ln, ShutdownTimeout); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged && new.Conversation.Voice != "" {
		v, err := session.ParseVoice(new.Conversation.Voice)
		if err == nil {
			err = a.conv.SetVoice(v)
		}
		if err != nil {
			slog.Warn("could not apply voice change", "voice", new.Conversation.Voice, "err", err)
		}
	}
	if d.VoiceOutputChanged {
		a.conv.SetVoiceOutput(new.Conversation.VoiceOutputEnabled())
	}
	if d.VideoChanged {
		if a.conv.State().Active() {
			slog.Info("video default changed, applies at next start")
		} else if err := a.conv.SetVideo(context.Background(), new.Conversation.VideoEnabled()); err != nil {
			slog.Warn("could not apply video change", "err", err)
		}
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}
	a.cfg = new
}

// ParseLevel maps a config level to its slog level. Unknown levels map to
// info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any live session, detaches and closes the sinks, then runs
// the remaining closers. It respects the context deadline: if ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.conv.Stop(); err != nil {
			slog.Warn("stop conversation", "err", err)
		}
		if a.detach != nil {
			a.detach()
		}
		if err := sink.CloseAll(a.sinks...); err != nil {
			slog.Warn("close sinks", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
