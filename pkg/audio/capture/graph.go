// Package capture implements the microphone processing graph: PCM frames from
// a live track are converted to 16 kHz mono, cut into fixed windows, metered,
// and unless muted encoded and forwarded to the active session.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/marz/pkg/audio"
)

// DefaultWindowSize is the number of 16 kHz samples per forwarded window
// (~256 ms).
const DefaultWindowSize = 4096

// Source is the audio input a [Graph] consumes. media.AudioTrack satisfies
// it.
type Source interface {
	Frames() <-chan audio.Frame
}

// Sender forwards one encoded window to the session.
type Sender func(ctx context.Context, b audio.Blob) error

// Option configures a [Graph].
type Option func(*Graph)

// WithWindowSize overrides [DefaultWindowSize].
func WithWindowSize(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.window = n
		}
	}
}

// WithMuted sets the mute probe. It is read once per window at forward time.
func WithMuted(fn func() bool) Option {
	return func(g *Graph) { g.muted = fn }
}

// WithOnWindow sets a callback invoked for every completed window with the
// smoothed level and whether it was forwarded.
func WithOnWindow(fn func(level float64, forwarded bool)) Option {
	return func(g *Graph) { g.onWindow = fn }
}

// WithOnSendError sets a callback invoked when the sender fails.
func WithOnSendError(fn func(error)) Option {
	return func(g *Graph) { g.onSendErr = fn }
}

// Graph is the capture pipeline. It is created disconnected; [Graph.Connect]
// starts consuming a source. All methods are safe for concurrent use.
type Graph struct {
	send      Sender
	window    int
	muted     func() bool
	onWindow  func(float64, bool)
	onSendErr func(error)
	conv      audio.InputConverter

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	swap    chan Source
	done    chan struct{}
	pending []float32
	level   float64
	windows int
	closed  bool
}

// New creates a disconnected [Graph] forwarding windows through send.
func New(send Sender, opts ...Option) *Graph {
	g := &Graph{
		send:   send,
		window: DefaultWindowSize,
		muted:  func() bool { return false },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Connect starts consuming src. Calling Connect on a connected graph behaves
// like [Graph.Rewire].
func (g *Graph) Connect(ctx context.Context, src Source) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.swap != nil {
		g.mu.Unlock()
		g.Rewire(src)
		return
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.swap = make(chan Source, 1)
	g.done = make(chan struct{})
	runCtx, swap, done := g.ctx, g.swap, g.done
	g.mu.Unlock()

	go g.run(runCtx, src, swap, done)
}

// Rewire replaces the source without disconnecting the graph. The partial
// window collected from the old source is kept and completed with samples from
// the new one.
func (g *Graph) Rewire(src Source) {
	g.mu.Lock()
	swap := g.swap
	closed := g.closed
	g.mu.Unlock()
	if closed || swap == nil {
		return
	}
	// Replace any swap the loop has not picked up yet.
	select {
	case <-swap:
	default:
	}
	swap <- src
}

// Connected reports whether the graph is consuming a source.
func (g *Graph) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.swap != nil && !g.closed
}

// Level returns the smoothed input level.
func (g *Graph) Level() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Windows returns how many windows have been processed.
func (g *Graph) Windows() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windows
}

// Close disconnects the graph and waits for the processing loop to exit. It is
// safe on a graph that was never connected and idempotent.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (g *Graph) run(ctx context.Context, src Source, swap <-chan Source, done chan<- struct{}) {
	defer close(done)
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-swap:
			g.conv.Reset()
			frames = next.Frames()
		case f, ok := <-frames:
			if !ok {
				// Source ended; wait for a rewire or close.
				frames = nil
				continue
			}
			g.process(ctx, f)
		}
	}
}

func (g *Graph) process(ctx context.Context, f audio.Frame) {
	f = g.conv.Convert(f)
	samples := audio.PCM16ToFloat(f.Data)
	for len(samples) > 0 {
		g.mu.Lock()
		need := g.window - len(g.pending)
		take := min(need, len(samples))
		g.pending = append(g.pending, samples[:take]...)
		samples = samples[take:]
		var win []float32
		if len(g.pending) == g.window {
			win = g.pending
			g.pending = make([]float32, 0, g.window)
		}
		g.mu.Unlock()

		if win != nil {
			g.flush(ctx, win)
		}
	}
}

// flush meters one full window and forwards it unless muted at the window
// boundary.
func (g *Graph) flush(ctx context.Context, win []float32) {
	muted := g.muted()
	rms := audio.RMS(win)
	g.mu.Lock()
	g.level = g.level*0.7 + rms*0.3
	if math.IsNaN(g.level) {
		g.level = 0
	}
	g.windows++
	level := g.level
	g.mu.Unlock()

	forwarded := false
	if !muted {
		if err := g.send(ctx, audio.Encode(win)); err != nil {
			slog.Debug("capture: send window", "err", err)
			if g.onSendErr != nil {
				g.onSendErr(err)
			}
		} else {
			forwarded = true
		}
	}
	if g.onWindow != nil {
		g.onWindow(level, forwarded)
	}
}
