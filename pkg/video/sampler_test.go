package video_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/video"
)

type fakeSource struct {
	ok    atomic.Bool
	calls atomic.Int32
}

func (f *fakeSource) CaptureFrame() (video.Frame, bool) {
	f.calls.Add(1)
	if !f.ok.Load() {
		return video.Frame{}, false
	}
	return video.Frame{MIMEType: video.JPEGMIMEType, Data: []byte{0xff, 0xd8}}, true
}

type blobs struct {
	mu  sync.Mutex
	got []audio.Blob
}

func (b *blobs) send(_ context.Context, blob audio.Blob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, blob)
	return nil
}

func (b *blobs) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func TestSampler_SkipsUnavailableFrames(t *testing.T) {
	t.Parallel()
	var sink blobs
	ticks := make(chan bool, 32)
	s := video.NewSampler(sink.send, video.WithInterval(time.Millisecond),
		video.WithOnFrame(func(sent bool) {
			select {
			case ticks <- sent:
			default:
			}
		}))
	src := &fakeSource{}
	s.Enable(context.Background(), src)
	defer s.Disable()

	if sent := <-ticks; sent {
		t.Fatal("frame sent although source had none")
	}
	src.ok.Store(true)
	deadline := time.After(2 * time.Second)
	for sent := false; !sent; {
		select {
		case sent = <-ticks:
		case <-deadline:
			t.Fatal("no frame forwarded")
		}
	}
	sink.mu.Lock()
	b := sink.got[0]
	sink.mu.Unlock()
	if b.MIMEType != "image/jpeg" {
		t.Errorf("MIMEType = %q", b.MIMEType)
	}
	if b.Data != base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}) {
		t.Errorf("Data = %q", b.Data)
	}
}

func TestSampler_EnableDisableIdempotent(t *testing.T) {
	t.Parallel()
	var sink blobs
	s := video.NewSampler(sink.send, video.WithInterval(time.Millisecond))
	src := &fakeSource{}
	src.ok.Store(true)

	s.Enable(context.Background(), src)
	s.Enable(context.Background(), src)
	if !s.Enabled() {
		t.Fatal("not enabled")
	}
	s.Disable()
	s.Disable()
	if s.Enabled() {
		t.Fatal("still enabled")
	}

	n := sink.len()
	time.Sleep(10 * time.Millisecond)
	if sink.len() != n {
		t.Error("frames forwarded after Disable")
	}
}

type staticSnap struct{ img image.Image }

func (s staticSnap) Snapshot() (image.Image, bool) { return s.img, s.img != nil }

func TestJPEGSource(t *testing.T) {
	t.Parallel()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := range 24 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	f, ok := video.JPEGSource{Snap: staticSnap{img}}.CaptureFrame()
	if !ok {
		t.Fatal("expected frame")
	}
	if f.MIMEType != video.JPEGMIMEType {
		t.Errorf("MIMEType = %q", f.MIMEType)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bounds().Dx() != 32 || decoded.Bounds().Dy() != 24 {
		t.Errorf("size = %v, want native 32x24", decoded.Bounds())
	}
}

func TestJPEGSource_SkipsEmpty(t *testing.T) {
	t.Parallel()
	if _, ok := (video.JPEGSource{}).CaptureFrame(); ok {
		t.Error("nil snapshotter produced a frame")
	}
	if _, ok := (video.JPEGSource{Snap: staticSnap{}}).CaptureFrame(); ok {
		t.Error("missing image produced a frame")
	}
	zero := image.NewRGBA(image.Rect(0, 0, 0, 0))
	if _, ok := (video.JPEGSource{Snap: staticSnap{zero}}).CaptureFrame(); ok {
		t.Error("zero-sized image produced a frame")
	}
}
