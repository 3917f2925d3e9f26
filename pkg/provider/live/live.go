// Package live defines the Provider interface for realtime multimodal
// conversation services such as the Gemini Live API.
//
// A [Session] is a persistent bidirectional stream: the client pushes encoded
// microphone windows and camera stills through [Session.SendRealtimeInput],
// and the service answers with an ordered stream of [Event] values carrying
// transcripts, inline speech audio and turn boundaries.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/marz/pkg/audio"
)

// Modality is a response modality requested from the service.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Config is the connect request for a new session.
type Config struct {
	// Model is the service model identifier, without a "models/" prefix.
	Model string

	// Modalities lists the requested response modalities. Empty means audio.
	Modalities []Modality

	// Voice is the prebuilt voice name, e.g. "Zephyr".
	Voice string

	// SystemInstruction is the fixed system prompt.
	SystemInstruction string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// ResponseModalities returns c.Modalities, defaulting to audio.
func (c Config) ResponseModalities() []Modality {
	if len(c.Modalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.Modalities
}

// EventKind enumerates session events.
type EventKind int

const (
	// EventOpen is delivered once the service acknowledged the session setup.
	EventOpen EventKind = iota + 1

	// EventMessage carries server content.
	EventMessage

	// EventError reports a fatal session error. It is the last event.
	EventError

	// EventClose reports that the service closed the session. It is the last
	// event.
	EventClose
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Message is one unit of server content. Any combination of fields may be set.
type Message struct {
	// InputTranscript is a partial transcript of the user's speech.
	InputTranscript string

	// OutputTranscript is a partial transcript of the model's speech.
	OutputTranscript string

	// Audio holds inline speech chunks, base64 encoded as on the wire.
	Audio []audio.Blob

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the model stopped its turn because the user
	// started speaking.
	Interrupted bool
}

// Event is one item on a session's event stream.
type Event struct {
	Kind    EventKind
	Message *Message

	// Err is set for EventError.
	Err error

	// Reason is the close reason for EventClose.
	Reason string
}

// Session is an open realtime session.
type Session interface {
	// SendRealtimeInput streams one encoded audio window or image still.
	SendRealtimeInput(ctx context.Context, b audio.Blob) error

	// Events returns the session's event stream. The channel is closed after
	// EventError or EventClose, or after Close.
	Events() <-chan Event

	// Close terminates the session. Idempotent.
	Close() error
}

// Provider opens sessions against a realtime service.
type Provider interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = fmt.Errorf("live: session closed")

// SampleRate extracts the rate parameter from an audio MIME type such as
// "audio/pcm;rate=24000". It returns def when absent or malformed.
func SampleRate(mimeType string, def int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// IsAudio reports whether mimeType names an audio payload.
func IsAudio(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "audio/")
}
