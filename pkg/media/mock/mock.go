// Package mock provides an in-memory [media.Gateway] for unit tests.
//
// Each successful RequestStream returns a fresh [Stream] whose tracks the test
// drives directly: [AudioTrack.Push] delivers PCM, [VideoTrack.SetImage] sets
// the camera still. All calls are recorded.
package mock

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/media"
)

// Compile-time interface assertions.
var (
	_ media.Gateway    = (*Gateway)(nil)
	_ media.Stream     = (*Stream)(nil)
	_ media.AudioTrack = (*AudioTrack)(nil)
	_ media.VideoTrack = (*VideoTrack)(nil)
)

var nextID atomic.Int64

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, nextID.Add(1))
}

// ─── Tracks ───────────────────────────────────────────────────────────────────

type track struct {
	id       string
	deviceID string

	mu        sync.Mutex
	stopped   bool
	stopCalls int
}

func (t *track) ID() string       { return t.id }
func (t *track) DeviceID() string { return t.deviceID }

func (t *track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// StopCalls returns how many times Stop was called.
func (t *track) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}

// AudioTrack is a mock [media.AudioTrack].
type AudioTrack struct {
	track
	frames chan audio.Frame
}

// NewAudioTrack returns a live audio track with a buffered frame channel.
func NewAudioTrack(deviceID string) *AudioTrack {
	return &AudioTrack{
		track:  track{id: newID("audio"), deviceID: deviceID},
		frames: make(chan audio.Frame, 64),
	}
}

func (t *AudioTrack) Kind() media.TrackKind      { return media.TrackAudio }
func (t *AudioTrack) Frames() <-chan audio.Frame { return t.frames }

// Stop implements [media.Track]. Closes the frame channel once.
func (t *AudioTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.frames)
}

// Push delivers f to the consumer. It reports false when the track is stopped.
func (t *AudioTrack) Push(f audio.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.frames <- f
	return true
}

// VideoTrack is a mock [media.VideoTrack].
type VideoTrack struct {
	track
	img image.Image
}

// NewVideoTrack returns a live video track with no image yet.
func NewVideoTrack(deviceID string) *VideoTrack {
	return &VideoTrack{track: track{id: newID("video"), deviceID: deviceID}}
}

func (t *VideoTrack) Kind() media.TrackKind { return media.TrackVideo }

// Stop implements [media.Track].
func (t *VideoTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	t.stopped = true
}

// SetImage sets the image returned by Snapshot.
func (t *VideoTrack) SetImage(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.img = img
}

// Snapshot implements [media.VideoTrack].
func (t *VideoTrack) Snapshot() (image.Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.img == nil {
		return nil, false
	}
	return t.img, true
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [media.Stream].
type Stream struct {
	id          string
	Constraints media.Constraints
	Audio       []*AudioTrack
	Video       []*VideoTrack
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) AudioTracks() []media.AudioTrack {
	out := make([]media.AudioTrack, len(s.Audio))
	for i, t := range s.Audio {
		out[i] = t
	}
	return out
}

func (s *Stream) VideoTracks() []media.VideoTrack {
	out := make([]media.VideoTrack, len(s.Video))
	for i, t := range s.Video {
		out[i] = t
	}
	return out
}

// AllStopped reports whether every track of the stream is stopped.
func (s *Stream) AllStopped() bool {
	for _, t := range s.Audio {
		if !t.Stopped() {
			return false
		}
	}
	for _, t := range s.Video {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// ─── Gateway ──────────────────────────────────────────────────────────────────

// Gateway is a mock implementation of [media.Gateway].
type Gateway struct {
	mu sync.Mutex

	// RequestErr, when non-nil, is returned by every RequestStream call.
	RequestErr error

	// AudioErr and VideoErr fail only requests that include audio or video.
	AudioErr error
	VideoErr error

	// DevicesResult is returned by ListDevices.
	DevicesResult media.Devices

	// ListErr is returned by ListDevices.
	ListErr error

	// Image, when set, is given to every new video track.
	Image image.Image

	// RequestCalls records the constraints of every RequestStream call.
	RequestCalls []media.Constraints

	// Streams records every stream handed out, in order.
	Streams []*Stream

	// CallCountList records how many times ListDevices was called.
	CallCountList int
}

// RequestStream implements [media.Gateway].
func (g *Gateway) RequestStream(ctx context.Context, c media.Constraints) (media.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RequestCalls = append(g.RequestCalls, c)
	if err := ctx.Err(); err != nil {
		return nil, media.NewError(media.NameAbort, "", err)
	}
	if g.RequestErr != nil {
		return nil, g.RequestErr
	}
	if c.Audio != nil && g.AudioErr != nil {
		return nil, g.AudioErr
	}
	if c.Video != nil && g.VideoErr != nil {
		return nil, g.VideoErr
	}
	s := &Stream{id: newID("stream"), Constraints: c}
	if c.Audio != nil {
		s.Audio = append(s.Audio, NewAudioTrack(c.Audio.DeviceID))
	}
	if c.Video != nil {
		vt := NewVideoTrack(c.Video.DeviceID)
		vt.img = g.Image
		s.Video = append(s.Video, vt)
	}
	g.Streams = append(g.Streams, s)
	return s, nil
}

// ListDevices implements [media.Gateway].
func (g *Gateway) ListDevices(context.Context) (media.Devices, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CallCountList++
	return g.DevicesResult, g.ListErr
}

// StreamAt returns the i-th stream handed out, or nil.
func (g *Gateway) StreamAt(i int) *Stream {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i >= len(g.Streams) {
		return nil
	}
	return g.Streams[i]
}

// StreamCount returns how many streams were handed out.
func (g *Gateway) StreamCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Streams)
}
