package mixer

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Context)(nil)

const (
	// DefaultQuantum is the amount of audio rendered per tick.
	DefaultQuantum = 20 * time.Millisecond
)

var (
	// ErrClosed is returned by [Context.Start] after [Context.Close].
	ErrClosed = errors.New("mixer: context closed")

	// ErrVoiceDone is returned by [audio.Voice.Stop] on a voice that already
	// finished or was stopped.
	ErrVoiceDone = errors.New("mixer: voice already done")
)

// Option configures a [Context] during construction.
type Option func(*Context)

// WithSampleRate sets the output sample rate. Defaults to
// [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(c *Context) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// WithChannels sets the output channel count (1 or 2). Defaults to mono.
func WithChannels(n int) Option {
	return func(c *Context) {
		if n == 1 || n == 2 {
			c.channels = n
		}
	}
}

// WithQuantum sets the render quantum. Defaults to [DefaultQuantum].
func WithQuantum(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.quantum = d
		}
	}
}

// WithManualClock disables the internal ticker. The clock only moves when the
// caller invokes [Context.Advance]. Intended for tests and offline rendering.
func WithManualClock() Option {
	return func(c *Context) { c.manual = true }
}

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// voice is one buffer scheduled on a [Context].
type voice struct {
	ctx     *Context
	buf     *audio.Buffer
	start   int64 // absolute start frame on the context clock
	pos     int   // next frame of buf to render
	seq     uint64
	onEnded func()
	done    bool
}

// Stop halts the voice. The ended callback is not invoked.
func (v *voice) Stop() error {
	c := v.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.done {
		return ErrVoiceDone
	}
	v.done = true
	return nil
}

// Context is a software [audio.OutputContext]. Its clock is the number of
// frames rendered so far.
//
// All exported methods are safe for concurrent use.
type Context struct {
	w          io.Writer
	sampleRate int
	channels   int
	quantum    time.Duration
	manual     bool
	log        *slog.Logger

	renderMu sync.Mutex // serialises render passes and writes to w

	mu      sync.Mutex
	frame   int64 // frames rendered so far
	pending voiceHeap
	active  []*voice
	seq     uint64
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a [Context] that writes rendered PCM to w. Unless
// [WithManualClock] is given, a background goroutine renders one quantum per
// tick until [Context.Close].
func New(w io.Writer, opts ...Option) *Context {
	c := &Context{
		w:          w,
		sampleRate: audio.OutputSampleRate,
		channels:   1,
		quantum:    DefaultQuantum,
		log:        slog.Default(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if !c.manual {
		c.wg.Add(1)
		go c.run()
	}
	return c
}

// SampleRate returns the output sample rate.
func (c *Context) SampleRate() int { return c.sampleRate }

// CurrentTime returns how much audio has been rendered.
func (c *Context) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameToTime(c.frame)
}

// Start schedules buf at clock time at. Buffers must match the context sample
// rate; channel layout is adapted.
func (c *Context) Start(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, fmt.Errorf("mixer: nil buffer")
	}
	if buf.SampleRate != c.sampleRate {
		return nil, fmt.Errorf("mixer: buffer rate %d Hz does not match context rate %d Hz", buf.SampleRate, c.sampleRate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.seq++
	v := &voice{
		ctx:     c,
		buf:     buf,
		start:   max(c.startFrame(at), c.frame),
		seq:     c.seq,
		onEnded: onEnded,
	}
	heap.Push(&c.pending, v)
	return v, nil
}

// Advance renders d worth of audio immediately. It is the clock source when
// [WithManualClock] is set, and also usable to flush ahead of real time.
func (c *Context) Advance(d time.Duration) error {
	frames := c.timeToFrame(d)
	if frames <= 0 {
		return nil
	}
	return c.render(int(frames))
}

// Close stops rendering. Voices still pending or playing are dropped without
// invoking their ended callbacks. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, v := range c.active {
		v.done = true
	}
	for _, v := range c.pending {
		v.done = true
	}
	c.active = nil
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *Context) run() {
	defer c.wg.Done()
	t := time.NewTicker(c.quantum)
	defer t.Stop()
	frames := int(c.timeToFrame(c.quantum))
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.render(frames); err != nil {
				c.log.Warn("mixer: render failed", "err", err)
			}
		}
	}
}

// render mixes the next n frames, writes them and then fires the ended
// callbacks of voices that completed within the quantum.
func (c *Context) render(n int) error {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	mix := make([]float32, n*c.channels)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	end := c.frame + int64(n)
	for c.pending.Len() > 0 && c.pending[0].start < end {
		v := heap.Pop(&c.pending).(*voice)
		if !v.done {
			c.active = append(c.active, v)
		}
	}

	var ended []func()
	kept := c.active[:0]
	for _, v := range c.active {
		if v.done {
			continue
		}
		offset := int(max(v.start-c.frame, 0))
		v.pos += c.mixVoice(mix, v, offset, n)
		if v.pos >= v.buf.Frames() {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(c.active); i++ {
		c.active[i] = nil
	}
	c.active = kept
	c.frame = end
	c.mu.Unlock()

	var err error
	if c.w != nil {
		if _, werr := c.w.Write(audio.FloatToPCM16(mix)); werr != nil {
			err = fmt.Errorf("mixer: write: %w", werr)
		}
	}
	for _, fn := range ended {
		fn()
	}
	return err
}

// mixVoice adds the voice's samples into mix starting at frame offset and
// returns how many buffer frames were consumed.
func (c *Context) mixVoice(mix []float32, v *voice, offset, n int) int {
	src := v.buf
	count := min(n-offset, src.Frames()-v.pos)
	if count <= 0 {
		return 0
	}
	for i := range count {
		f := offset + i
		for ch := range c.channels {
			var s float32
			switch {
			case src.NumberOfChannels() == c.channels:
				s = src.Data[ch][v.pos+i]
			case c.channels == 1:
				for _, data := range src.Data {
					s += data[v.pos+i]
				}
				s /= float32(src.NumberOfChannels())
			default:
				s = src.Data[min(ch, src.NumberOfChannels()-1)][v.pos+i]
			}
			mix[f*c.channels+ch] += s
		}
	}
	return count
}

func (c *Context) frameToTime(f int64) time.Duration {
	return time.Duration(f * int64(time.Second) / int64(c.sampleRate))
}

func (c *Context) timeToFrame(d time.Duration) int64 {
	return int64(d) * int64(c.sampleRate) / int64(time.Second)
}

// startFrame rounds up: scheduled times come from summed truncated buffer
// durations, so flooring would start a segment on the last frame of the one
// before it.
func (c *Context) startFrame(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	n := int64(d) * int64(c.sampleRate)
	return (n + int64(time.Second) - 1) / int64(time.Second)
}
