package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/marz/internal/transcript"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// State is the connection state of the live session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Active reports whether s holds session resources.
func (s State) Active() bool { return s == StateConnecting || s == StateConnected }

// accepts reports whether an event of kind k is legal in state s.
func (s State) accepts(k live.EventKind) bool {
	switch k {
	case live.EventOpen:
		return s == StateConnecting
	case live.EventMessage:
		return s == StateConnected
	case live.EventError, live.EventClose:
		return s.Active()
	}
	return false
}

// View is the front-end surface the state maps onto.
type View string

const (
	ViewWelcome View = "welcome"
	ViewChat    View = "chat"
)

// Voice is a prebuilt voice style.
type Voice string

const (
	VoiceZephyr Voice = "Zephyr"
	VoiceKore   Voice = "Kore"
	VoicePuck   Voice = "Puck"
)

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = VoiceZephyr

// ParseVoice validates a voice name. Empty yields [DefaultVoice].
func ParseVoice(s string) (Voice, error) {
	switch v := Voice(s); v {
	case "":
		return DefaultVoice, nil
	case VoiceZephyr, VoiceKore, VoicePuck:
		return v, nil
	}
	return "", fmt.Errorf("session: unknown voice %q (want Zephyr, Kore or Puck)", s)
}

var (
	// ErrAlreadyActive is returned by Start while a session is connecting or
	// connected.
	ErrAlreadyActive = errors.New("session: a session is already active")

	// ErrNotActive is returned by operations that need a live session.
	ErrNotActive = errors.New("session: no active session")

	// ErrNotConnected is returned when realtime input is sent before the
	// session opened or after it ended.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSuperseded is returned when the session an operation started on was
	// torn down before the operation finished.
	ErrSuperseded = errors.New("session: superseded by teardown")

	// ErrIllegalEvent wraps events that are not valid in the current state.
	ErrIllegalEvent = errors.New("session: illegal event")
)

// Snapshot is a read-only copy of the orchestrator's observable state.
type Snapshot struct {
	Seq uint64 `json:"seq"`

	State State `json:"state"`
	View  View  `json:"view"`

	Emotion transcript.Emotion `json:"emotion"`
	History []transcript.Entry `json:"history"`
	Input   string             `json:"current_input"`
	Output  string             `json:"current_output"`

	ModelTalking bool    `json:"model_talking"`
	Muted        bool    `json:"muted"`
	VoiceOutput  bool    `json:"voice_output"`
	VideoEnabled bool    `json:"video_enabled"`
	Paused       bool    `json:"paused"`
	InputLevel   float64 `json:"input_level"`

	LastMediaError     *media.Report `json:"last_media_error,omitempty"`
	DiagnosticsOffered bool          `json:"diagnostics_offered"`

	MicrophoneID    string `json:"microphone_id,omitempty"`
	CameraID        string `json:"camera_id,omitempty"`
	AvatarID        string `json:"avatar_id,omitempty"`
	CustomAvatarURL string `json:"custom_avatar_url,omitempty"`
	Voice           Voice  `json:"voice"`
	Greeting        string `json:"greeting"`
}
