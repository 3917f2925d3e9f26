// Package audio defines the audio primitives shared by the capture and
// playback sides of a conversation: PCM frames, wire blobs, decoded buffers,
// and the [OutputContext] clock that decoded buffers are scheduled on.
//
// The codec helpers in this package convert between normalised float samples
// and the base64-framed 16-bit little-endian PCM the remote service expects.
// They are pure functions and safe for concurrent use.
package audio

import "time"

// Frame is one chunk of interleaved signed 16-bit little-endian PCM as
// delivered by a capture track.
type Frame struct {
	// Data holds the interleaved s16le samples.
	Data []byte

	// SampleRate in Hz (e.g. 48000 from a USB microphone, 16000 on the wire).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Blob is an inline media chunk in transport form: a base64 payload tagged
// with its MIME type. Audio windows and camera stills both travel as blobs.
type Blob struct {
	MIMEType string
	Data     string
}

// Empty reports whether the blob carries no payload.
func (b Blob) Empty() bool { return b.Data == "" }
