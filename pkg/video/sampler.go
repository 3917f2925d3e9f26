// Package video samples still frames from a live camera track and forwards
// them to the session as inline image blobs.
package video

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
)

const (
	// DefaultInterval is the sampling period (5 frames per second).
	DefaultInterval = 200 * time.Millisecond

	// DefaultQuality is the JPEG quality of forwarded frames.
	DefaultQuality = 80

	// JPEGMIMEType tags forwarded frames.
	JPEGMIMEType = "image/jpeg"
)

// Frame is one compressed still.
type Frame struct {
	MIMEType string
	Data     []byte
}

// FrameSource captures the current frame. It returns false when no frame is
// available; the tick is then skipped.
type FrameSource interface {
	CaptureFrame() (Frame, bool)
}

// Snapshotter is the image provider a [JPEGSource] wraps. media.VideoTrack
// satisfies it.
type Snapshotter interface {
	Snapshot() (image.Image, bool)
}

// JPEGSource compresses snapshots at native resolution.
type JPEGSource struct {
	Snap    Snapshotter
	Quality int
}

// CaptureFrame implements [FrameSource]. Zero-sized images are skipped.
func (s JPEGSource) CaptureFrame() (Frame, bool) {
	if s.Snap == nil {
		return Frame{}, false
	}
	img, ok := s.Snap.Snapshot()
	if !ok || img == nil {
		return Frame{}, false
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return Frame{}, false
	}
	q := s.Quality
	if q <= 0 || q > 100 {
		q = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		slog.Debug("video: encode frame", "err", err)
		return Frame{}, false
	}
	return Frame{MIMEType: JPEGMIMEType, Data: buf.Bytes()}, true
}

// Sender forwards one encoded frame to the session.
type Sender func(ctx context.Context, b audio.Blob) error

// Option configures a [Sampler].
type Option func(*Sampler)

// WithInterval overrides [DefaultInterval].
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOnFrame sets a callback invoked after each tick with whether a frame
// was forwarded.
func WithOnFrame(fn func(sent bool)) Option {
	return func(s *Sampler) { s.onFrame = fn }
}

// Sampler forwards frames from a [FrameSource] on a fixed interval while
// enabled. Enable and Disable are idempotent and safe for concurrent use.
type Sampler struct {
	send     Sender
	interval time.Duration
	onFrame  func(bool)

	mu     sync.Mutex
	source FrameSource
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a disabled [Sampler].
func NewSampler(send Sender, opts ...Option) *Sampler {
	s := &Sampler{send: send, interval: DefaultInterval}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enable starts sampling src. If already enabled, the source is replaced and
// the running ticker kept.
func (s *Sampler) Enable(ctx context.Context, src FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
}

// Disable stops the ticker and waits for an in-progress tick to finish.
func (s *Sampler) Disable() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.source = nil, nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Enabled reports whether the ticker is running.
func (s *Sampler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()

	sent := false
	if src != nil {
		if f, ok := src.CaptureFrame(); ok {
			b := audio.Blob{MIMEType: f.MIMEType, Data: base64.StdEncoding.EncodeToString(f.Data)}
			if err := s.send(ctx, b); err != nil {
				slog.Debug("video: send frame", "err", err)
			} else {
				sent = true
			}
		}
	}
	if s.onFrame != nil {
		s.onFrame(sent)
	}
}
