package ffmpeg

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/media"
)

// chunkDuration is the amount of PCM delivered per audio frame.
const chunkDuration = 20 * time.Millisecond

// ─── Audio ────────────────────────────────────────────────────────────────────

type audioTrack struct {
	id       string
	deviceID string
	proc     *process
	frames   chan audio.Frame
	done     chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
}

func (g *Gateway) startAudio(ctx context.Context, c media.AudioConstraints) (*audioTrack, error) {
	args := g.audioArgs(c)
	p, err := startProcess(ctx, g.command, args, g.grace)
	if err != nil {
		return nil, err
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = g.sampleRate
	}
	channels := c.Channels
	if channels <= 0 {
		channels = g.channels
	}
	t := &audioTrack{
		id:       g.nextID("audio"),
		deviceID: c.DeviceID,
		proc:     p,
		frames:   make(chan audio.Frame, 32),
		done:     make(chan struct{}),
	}
	go t.readLoop(rate, channels)
	return t, nil
}

func (t *audioTrack) readLoop(rate, channels int) {
	defer close(t.frames)
	defer t.markStopped()

	chunk := int(int64(rate)*int64(chunkDuration)/int64(time.Second)) * channels * 2
	var elapsed time.Duration
	for {
		buf := make([]byte, chunk)
		n, err := io.ReadFull(t.proc.stdout, buf)
		if n > 0 {
			f := audio.Frame{Data: buf[:n-n%(2*channels)], SampleRate: rate, Channels: channels, Timestamp: elapsed}
			elapsed += time.Duration(int64(len(f.Data)/(2*channels)) * int64(time.Second) / int64(rate))
			select {
			case t.frames <- f:
			case <-t.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("ffmpeg: audio read ended", "track", t.id, "err", err)
			}
			return
		}
	}
}

func (t *audioTrack) ID() string                 { return t.id }
func (t *audioTrack) Kind() media.TrackKind      { return media.TrackAudio }
func (t *audioTrack) DeviceID() string           { return t.deviceID }
func (t *audioTrack) Frames() <-chan audio.Frame { return t.frames }

func (t *audioTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if err := t.proc.stop(); err != nil {
			slog.Debug("ffmpeg: stop audio", "track", t.id, "err", err)
		}
		t.markStopped()
	})
}

func (t *audioTrack) markStopped() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *audioTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ─── Video ────────────────────────────────────────────────────────────────────

type videoTrack struct {
	id       string
	deviceID string
	proc     *process

	stopOnce sync.Once
	mu       sync.Mutex
	latest   *image.RGBA
	stopped  bool
}

func (g *Gateway) startVideo(ctx context.Context, c media.VideoConstraints) (*videoTrack, error) {
	args, w, h := g.videoArgs(c)
	if w <= 0 || h <= 0 {
		return nil, media.NewError(media.NameOverconstrained, "video capture needs a width and height", nil)
	}
	p, err := startProcess(ctx, g.command, args, g.grace)
	if err != nil {
		return nil, err
	}
	t := &videoTrack{id: g.nextID("video"), deviceID: c.DeviceID, proc: p}
	go t.readLoop(w, h)
	return t, nil
}

func (t *videoTrack) readLoop(w, h int) {
	defer func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
	}()
	rect := image.Rect(0, 0, w, h)
	for {
		img := image.NewRGBA(rect)
		if _, err := io.ReadFull(t.proc.stdout, img.Pix); err != nil {
			return
		}
		t.mu.Lock()
		t.latest = img
		t.mu.Unlock()
	}
}

func (t *videoTrack) ID() string            { return t.id }
func (t *videoTrack) Kind() media.TrackKind { return media.TrackVideo }
func (t *videoTrack) DeviceID() string      { return t.deviceID }

func (t *videoTrack) Snapshot() (image.Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.latest == nil {
		return nil, false
	}
	return t.latest, true
}

func (t *videoTrack) Stop() {
	t.stopOnce.Do(func() {
		if err := t.proc.stop(); err != nil {
			slog.Debug("ffmpeg: stop video", "track", t.id, "err", err)
		}
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
	})
}

func (t *videoTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ─── Stream ───────────────────────────────────────────────────────────────────

type stream struct {
	id    string
	audio []media.AudioTrack
	video []media.VideoTrack
}

func (s *stream) ID() string                      { return s.id }
func (s *stream) AudioTracks() []media.AudioTrack { return s.audio }
func (s *stream) VideoTracks() []media.VideoTrack { return s.video }
