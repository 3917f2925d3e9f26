package capture_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/audio/capture"
	"github.com/MrWong99/marz/pkg/media/mock"
)

type recorder struct {
	mu    sync.Mutex
	blobs []audio.Blob
	err   error
}

func (r *recorder) send(_ context.Context, b audio.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.blobs = append(r.blobs, b)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

// frame returns a 16 kHz mono frame of n samples at value v.
func frame(n int, v float32) audio.Frame {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.Frame{Data: audio.FloatToPCM16(s), SampleRate: audio.InputSampleRate, Channels: 1}
}

type windowEvent struct {
	level     float64
	forwarded bool
}

func waitWindow(t *testing.T, ch <-chan windowEvent) windowEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for window")
		return windowEvent{}
	}
}

func newGraph(t *testing.T, rec *recorder, muted *atomic.Bool) (*capture.Graph, <-chan windowEvent) {
	t.Helper()
	events := make(chan windowEvent, 16)
	g := capture.New(rec.send,
		capture.WithWindowSize(4),
		capture.WithMuted(muted.Load),
		capture.WithOnWindow(func(level float64, fwd bool) { events <- windowEvent{level, fwd} }),
	)
	t.Cleanup(func() { _ = g.Close() })
	return g, events
}

func TestGraph_ForwardsWindows(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, events := newGraph(t, rec, &muted)
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)

	track.Push(frame(6, 0.5))
	ev := waitWindow(t, events)
	if !ev.forwarded {
		t.Fatal("window not forwarded")
	}
	if want := 0.5 * 0.3; math.Abs(ev.level-want) > 1e-3 {
		t.Errorf("level = %v, want %v", ev.level, want)
	}
	track.Push(frame(2, 0.5))
	waitWindow(t, events)
	if rec.count() != 2 {
		t.Errorf("forwarded %d windows, want 2", rec.count())
	}
	if rec.blobs[0].MIMEType != audio.PCMMIMEType {
		t.Errorf("MIMEType = %q", rec.blobs[0].MIMEType)
	}
}

func TestGraph_LevelSmoothing(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, events := newGraph(t, rec, &muted)
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)

	track.Push(frame(4, 1))
	waitWindow(t, events)
	track.Push(frame(4, 0))
	ev := waitWindow(t, events)
	// Integer quantisation puts full scale one step below 1.
	want := (32767.0 / 32768.0) * 0.3 * 0.7
	if math.Abs(ev.level-want) > 1e-6 {
		t.Errorf("level = %v, want %v", ev.level, want)
	}
	if math.Abs(g.Level()-want) > 1e-6 {
		t.Errorf("Level() = %v, want %v", g.Level(), want)
	}
}

func TestGraph_MuteTakesEffectAtNextWindowBoundary(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, events := newGraph(t, rec, &muted)
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)

	// First window completes while unmuted.
	track.Push(frame(4, 0.2))
	if ev := waitWindow(t, events); !ev.forwarded {
		t.Fatal("window completed before mute must be forwarded")
	}

	// Half a window arrives, then mute toggles mid-window.
	track.Push(frame(2, 0.2))
	muted.Store(true)
	track.Push(frame(2, 0.2))
	if ev := waitWindow(t, events); ev.forwarded {
		t.Fatal("window completed after mute must not be forwarded")
	}

	// Metering continues while muted.
	if g.Windows() != 2 {
		t.Errorf("Windows = %d, want 2", g.Windows())
	}

	muted.Store(false)
	track.Push(frame(4, 0.2))
	if ev := waitWindow(t, events); !ev.forwarded {
		t.Fatal("window after unmute must be forwarded")
	}
	if rec.count() != 2 {
		t.Errorf("forwarded %d, want 2", rec.count())
	}
}

func TestGraph_RewireKeepsPartialWindow(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, events := newGraph(t, rec, &muted)
	oldTrack := mock.NewAudioTrack("mic-old")
	g.Connect(context.Background(), oldTrack)

	oldTrack.Push(frame(2, 0.1))
	// Give the loop a chance to consume the partial window before swapping.
	deadline := time.Now().Add(time.Second)
	for len(oldTrack.Frames()) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	newTrack := mock.NewAudioTrack("mic-new")
	g.Rewire(newTrack)
	oldTrack.Stop()
	if !g.Connected() {
		t.Fatal("graph disconnected during rewire")
	}

	newTrack.Push(frame(2, 0.1))
	if ev := waitWindow(t, events); !ev.forwarded {
		t.Fatal("window spanning the rewire not forwarded")
	}
	if rec.count() != 1 {
		t.Errorf("forwarded %d, want 1", rec.count())
	}
}

func TestGraph_ConvertsHardwareFormat(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, events := newGraph(t, rec, &muted)
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)

	// 12 stereo frames at 48 kHz become 4 mono samples at 16 kHz.
	s := make([]float32, 24)
	for i := range s {
		s[i] = 0.25
	}
	track.Push(audio.Frame{Data: audio.FloatToPCM16(s), SampleRate: 48000, Channels: 2})
	if ev := waitWindow(t, events); !ev.forwarded {
		t.Fatal("converted window not forwarded")
	}
}

func TestGraph_SendErrorIsReported(t *testing.T) {
	t.Parallel()
	rec := &recorder{err: errors.New("session closed")}
	var sendErrs atomic.Int32
	events := make(chan windowEvent, 4)
	g := capture.New(rec.send,
		capture.WithWindowSize(4),
		capture.WithOnSendError(func(error) { sendErrs.Add(1) }),
		capture.WithOnWindow(func(l float64, f bool) { events <- windowEvent{l, f} }),
	)
	defer g.Close()
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)

	track.Push(frame(4, 0.1))
	if ev := waitWindow(t, events); ev.forwarded {
		t.Error("failed send reported as forwarded")
	}
	if sendErrs.Load() != 1 {
		t.Errorf("send errors = %d, want 1", sendErrs.Load())
	}
}

func TestGraph_CloseWithoutConnect(t *testing.T) {
	t.Parallel()
	g := capture.New(func(context.Context, audio.Blob) error { return nil })
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	g.Connect(context.Background(), mock.NewAudioTrack("mic"))
	if g.Connected() {
		t.Error("closed graph must not reconnect")
	}
}

func TestGraph_CloseStopsLoop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var muted atomic.Bool
	g, _ := newGraph(t, rec, &muted)
	track := mock.NewAudioTrack("mic")
	g.Connect(context.Background(), track)
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if g.Connected() {
		t.Error("still connected after Close")
	}
	track.Push(frame(4, 0.1))
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("closed graph forwarded a window")
	}
}
