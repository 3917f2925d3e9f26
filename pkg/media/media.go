// Package media defines the device gateway through which a conversation
// acquires microphone and camera hardware.
//
// A [Gateway] hands out a [Stream] of live tracks under given [Constraints]
// and enumerates the devices it can see. Acquisition failures are reported as
// [*Error] values whose [Kind] comes from a fixed taxonomy; see [Classify].
//
// Implementations live in sub-packages: ffmpeg captures through an ffmpeg
// subprocess, mock provides an in-memory gateway for tests.
package media

import (
	"context"
	"image"

	"github.com/MrWong99/marz/pkg/audio"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one live hardware source.
type Track interface {
	// ID uniquely identifies the track within the process.
	ID() string

	// Kind reports whether this is an audio or video track.
	Kind() TrackKind

	// DeviceID is the id of the device the track reads from.
	DeviceID() string

	// Stop releases the underlying device. Idempotent.
	Stop()

	// Stopped reports whether Stop was called or the device went away.
	Stopped() bool
}

// AudioTrack delivers captured PCM.
type AudioTrack interface {
	Track

	// Frames returns the channel captured PCM is delivered on. The channel is
	// closed when the track stops.
	Frames() <-chan audio.Frame
}

// VideoTrack exposes the most recent camera image.
type VideoTrack interface {
	Track

	// Snapshot returns the latest decoded frame, or false when no frame has
	// arrived yet or the track has stopped.
	Snapshot() (image.Image, bool)
}

// Stream groups the tracks acquired by a single [Gateway.RequestStream] call.
type Stream interface {
	ID() string
	AudioTracks() []AudioTrack
	VideoTracks() []VideoTrack
}

// Gateway acquires and enumerates capture hardware.
type Gateway interface {
	// RequestStream acquires audio and, if c.Video is set, video under the
	// given constraints. Failures are *Error.
	RequestStream(ctx context.Context, c Constraints) (Stream, error)

	// ListDevices enumerates visible audio and video inputs. Labels may be
	// empty when the platform hides them; that is not an error.
	ListDevices(ctx context.Context) (Devices, error)
}

// Release stops every track of s. It is safe to call with a nil stream and
// more than once.
func Release(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		t.Stop()
	}
	for _, t := range s.VideoTracks() {
		t.Stop()
	}
}

// StopVideo stops only the video tracks of s.
func StopVideo(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.VideoTracks() {
		t.Stop()
	}
}

// FirstAudio returns the first audio track of s, or nil.
func FirstAudio(s Stream) AudioTrack {
	if s == nil {
		return nil
	}
	if ts := s.AudioTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

// FirstLiveVideo returns the first video track of s that has not stopped, or
// nil.
func FirstLiveVideo(s Stream) VideoTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.VideoTracks() {
		if !t.Stopped() {
			return t
		}
	}
	return nil
}
