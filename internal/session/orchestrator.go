// Package session owns the single live conversation: it acquires media,
// opens the realtime session, wires the capture graph and frame sampler to
// it, feeds server messages into the transcript accumulator and playback
// scheduler, and tears everything down again.
//
// All exported methods of [Orchestrator] are safe for concurrent use.
// Observable state changes are delivered to subscribers as [Snapshot] values
// in the order they happened.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/marz/internal/observe"
	"github.com/MrWong99/marz/internal/prefs"
	"github.com/MrWong99/marz/internal/transcript"
	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/audio/capture"
	"github.com/MrWong99/marz/pkg/audio/playback"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/provider/live"
	"github.com/MrWong99/marz/pkg/video"
)

// OutputFactory opens a playback context at the given sample rate.
type OutputFactory func(sampleRate int) (audio.OutputContext, error)

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(o *Orchestrator) {
		if model != "" {
			o.model = model
		}
	}
}

// WithVoice sets the initial voice style.
func WithVoice(v Voice) Option {
	return func(o *Orchestrator) {
		if v != "" {
			o.voice = v
		}
	}
}

// WithSystemInstruction overrides [SystemInstruction].
func WithSystemInstruction(s string) Option {
	return func(o *Orchestrator) {
		if s != "" {
			o.instruction = s
		}
	}
}

// WithVideo sets whether the camera is requested on start. Default: true.
func WithVideo(enabled bool) Option {
	return func(o *Orchestrator) { o.videoEnabled = enabled }
}

// WithVoiceOutput sets whether model speech is played. Default: true.
func WithVoiceOutput(enabled bool) Option {
	return func(o *Orchestrator) { o.voiceOutput.Store(enabled) }
}

// WithPreferences seeds device and avatar selections and sets the store that
// later selections are saved to.
func WithPreferences(store prefs.Store, initial prefs.Preferences) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.prefs = store
		}
		o.selection = initial
	}
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSecureContext installs the check run before media is requested. The
// default always passes.
func WithSecureContext(fn func() bool) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.secure = fn
		}
	}
}

// WithClock overrides time.Now for greeting rotation.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCaptureWindow overrides [capture.DefaultWindowSize].
func WithCaptureWindow(n int) Option {
	return func(o *Orchestrator) { o.captureOpts = append(o.captureOpts, capture.WithWindowSize(n)) }
}

// WithFrameInterval overrides [video.DefaultInterval].
func WithFrameInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.samplerOpts = append(o.samplerOpts, video.WithInterval(d)) }
}

// ── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator drives one live conversation at a time.
type Orchestrator struct {
	provider  live.Provider
	gateway   media.Gateway
	newOutput OutputFactory
	prefs     prefs.Store
	metrics   *observe.Metrics
	secure    func() bool
	now       func() time.Time

	model       string
	instruction string
	captureOpts []capture.Option
	samplerOpts []video.Option

	// Read at the moment of use by the capture and message paths.
	muted       atomic.Bool
	voiceOutput atomic.Bool

	// pubMu serialises publication so subscribers see snapshots in order.
	pubMu  sync.Mutex
	subsMu sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	mu             sync.Mutex
	state          State
	view           View
	paused         bool
	videoEnabled   bool
	voice          Voice
	selection      prefs.Preferences
	devices        media.Devices
	lastMediaError *media.Report
	diagOffered    bool
	modelTalking   bool
	hasAudioInTurn bool
	level          float64
	acc            *transcript.Accumulator
	seq            uint64
	res            *resources
}

// New creates an idle orchestrator. provider, gateway and newOutput are
// required.
func New(provider live.Provider, gateway media.Gateway, newOutput OutputFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:     provider,
		gateway:      gateway,
		newOutput:    newOutput,
		secure:       func() bool { return true },
		now:          time.Now,
		model:        DefaultModel,
		instruction:  SystemInstruction,
		subs:         make(map[int]func(Snapshot)),
		state:        StateIdle,
		view:         ViewWelcome,
		videoEnabled: true,
		voice:        DefaultVoice,
		acc:          transcript.New(),
	}
	o.voiceOutput.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	if o.prefs == nil {
		o.prefs = prefs.NewMemoryStore(o.selection)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// resources is everything one session attempt owns. The pointer doubles as
// the session's identity: callbacks and events carrying a stale pointer are
// ignored.
type resources struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	session live.Session
	stream  media.Stream
	extra   []media.Stream // video streams acquired by ToggleVideo
	camera  media.VideoTrack
	output  audio.OutputContext
	sched   *playback.Scheduler
	graph   *capture.Graph
	sampler *video.Sampler
}

// close releases every resource. Each step runs regardless of earlier
// failures.
func (r *resources) close() error {
	var errs []error
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if r.sched != nil {
		r.sched.StopAll()
	}
	if r.sampler != nil {
		r.sampler.Disable()
	}
	media.Release(r.stream)
	for _, s := range r.extra {
		media.Release(s)
	}
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	if r.graph != nil {
		if err := r.graph.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
	}
	r.cancel()
	return errors.Join(errs...)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start opens a fresh session: it resets the conversation, acquires media,
// opens the playback context and connects. Media failures are recorded in
// the snapshot with remediation steps and returned wrapped.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	res := &resources{started: time.Now()}
	res.ctx, res.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.res = res
	o.state = StateConnecting
	o.view = ViewChat
	o.paused = false
	o.acc.Reset()
	o.acc.SetEmotion(transcript.EmotionCurious)
	o.lastMediaError = nil
	o.diagOffered = false
	o.modelTalking = false
	o.hasAudioInTurn = false
	o.level = 0
	micID, camID, withVideo, voice := o.selection.MicrophoneID, o.selection.CameraID, o.videoEnabled, o.voice
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(ctx, 1)
	o.publish()

	if !o.secure() {
		return o.failMedia(ctx, res, media.NewError(media.NameSecurity, "", media.ErrInsecureContext))
	}

	stream, err := o.gateway.RequestStream(ctx, media.ConversationConstraints(micID, camID, withVideo))
	if err != nil {
		return o.failMedia(ctx, res, err)
	}
	if !o.attach(res, func() {
		res.stream = stream
		res.camera = media.FirstLiveVideo(stream)
	}) {
		media.Release(stream)
		return ErrSuperseded
	}

	out, err := o.newOutput(audio.OutputSampleRate)
	if err != nil {
		o.fail(ctx, res, "output")
		return fmt.Errorf("session: open output: %w", err)
	}
	if !o.attach(res, func() {
		res.output = out
		res.sched = playback.New(out,
			playback.WithOnIdle(func() { o.playbackIdle(res) }),
		)
		res.graph = capture.New(o.sender(res, "audio"), append([]capture.Option{
			capture.WithMuted(o.muted.Load),
			capture.WithOnWindow(func(level float64, forwarded bool) { o.captureWindow(res, level, forwarded) }),
		}, o.captureOpts...)...)
		res.sampler = video.NewSampler(o.sender(res, "video"), append([]video.Option{
			video.WithOnFrame(func(sent bool) {
				if sent {
					o.metrics.VideoFrames.Add(res.ctx, 1)
				}
			}),
		}, o.samplerOpts...)...)
	}) {
		_ = out.Close()
		return ErrSuperseded
	}

	sess, err := o.provider.Connect(ctx, o.liveConfig(voice))
	if err != nil {
		o.fail(ctx, res, "connect")
		return fmt.Errorf("session: connect: %w", err)
	}
	if !o.attach(res, func() { res.session = sess }) {
		_ = sess.Close()
		return ErrSuperseded
	}

	go o.pump(res, sess)
	log.Info("session: connecting", "model", o.model, "voice", voice, "video", withVideo)
	return nil
}

// Stop ends the active session and returns to the welcome view. It is
// idempotent; with nothing active it returns nil. Resource release failures
// are logged and joined into the returned error.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	return o.teardown(nil, StateClosed)
}

// Pause stops the session but keeps the chat view, flagged as paused.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	active := o.state.Active()
	o.mu.Unlock()
	if !active {
		return ErrNotActive
	}
	err := o.teardown(nil, StateClosed)
	o.mu.Lock()
	o.paused = true
	o.view = ViewChat
	o.mu.Unlock()
	o.publish()
	return err
}

// Resume starts a fresh session after [Orchestrator.Pause].
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.Start(ctx)
}

// attach runs fn under the lock if res is still the current session.
func (o *Orchestrator) attach(res *resources, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.res != res {
		return false
	}
	fn()
	return true
}

// failMedia records a media acquisition failure and tears the attempt down.
func (o *Orchestrator) failMedia(ctx context.Context, res *resources, err error) error {
	rep := media.Describe(err)
	o.metrics.RecordMediaError(ctx, string(rep.Kind))
	o.metrics.RecordSessionStart(ctx, "media_error", time.Since(res.started))
	observe.Logger(ctx).Warn("session: media acquisition failed", "kind", rep.Kind, "err", err)

	o.mu.Lock()
	if o.res == res {
		o.lastMediaError = &rep
		o.diagOffered = true
	}
	o.mu.Unlock()
	_ = o.teardown(res, StateError)
	return fmt.Errorf("session: acquire media: %w", err)
}

func (o *Orchestrator) fail(ctx context.Context, res *resources, stage string) {
	o.metrics.RecordSessionStart(ctx, stage+"_error", time.Since(res.started))
	_ = o.teardown(res, StateError)
}

// teardown releases res (the current session when nil) and moves to final.
// Calls for a session that is already gone do nothing.
func (o *Orchestrator) teardown(res *resources, final State) error {
	o.mu.Lock()
	if res == nil {
		res = o.res
	}
	if res == nil || o.res != res {
		o.mu.Unlock()
		return nil
	}
	o.res = nil
	o.state = final
	o.view = ViewWelcome
	o.modelTalking = false
	o.hasAudioInTurn = false
	o.level = 0
	o.acc.SetEmotion(transcript.EmotionIdle)
	o.mu.Unlock()

	err := res.close()
	o.metrics.ActiveSessions.Add(context.Background(), -1)
	if err != nil {
		slog.Warn("session: teardown", "state", final, "err", err)
	} else {
		slog.Info("session: ended", "state", final)
	}
	o.publish()
	return err
}

func (o *Orchestrator) liveConfig(voice Voice) live.Config {
	return live.Config{
		Model:               o.model,
		Modalities:          []live.Modality{live.ModalityAudio},
		Voice:               string(voice),
		SystemInstruction:   o.instruction,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// pump feeds sess's events to dispatch in arrival order. A stream that ends
// without a terminal event is treated as a close.
func (o *Orchestrator) pump(res *resources, sess live.Session) {
	for ev := range sess.Events() {
		if err := o.dispatch(res, ev); errors.Is(err, ErrSuperseded) {
			return
		}
	}
	_ = o.teardown(res, StateClosed)
}

// ── Input path ───────────────────────────────────────────────────────────────

// sender returns the realtime send function bound to res.
func (o *Orchestrator) sender(res *resources, medium string) func(context.Context, audio.Blob) error {
	return func(ctx context.Context, b audio.Blob) error {
		o.mu.Lock()
		sess := res.session
		ok := o.res == res && o.state == StateConnected
		o.mu.Unlock()
		if !ok || sess == nil {
			return ErrNotConnected
		}
		if err := sess.SendRealtimeInput(ctx, b); err != nil {
			o.metrics.RecordSendError(ctx, medium)
			return err
		}
		return nil
	}
}

func (o *Orchestrator) captureWindow(res *resources, level float64, forwarded bool) {
	o.metrics.RecordCaptureWindow(res.ctx, forwarded)
	o.mu.Lock()
	if o.res != res {
		o.mu.Unlock()
		return
	}
	o.level = level
	o.mu.Unlock()
	o.publish()
}

// wire connects the capture graph and, when video is on, the frame sampler.
// The caller holds o.mu so a concurrent teardown cannot interleave.
func (o *Orchestrator) wire(res *resources, mic media.AudioTrack, cam media.VideoTrack, withVideo bool) {
	if mic != nil {
		res.graph.Connect(res.ctx, mic)
	} else {
		slog.Warn("session: stream has no audio track")
	}
	if withVideo && cam != nil {
		res.sampler.Enable(res.ctx, video.JPEGSource{Snap: cam})
	}
}
