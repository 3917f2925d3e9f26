// Package sink fans orchestrator snapshots out to observers outside the
// process boundary: the structured log, an MQTT broker for external avatar
// displays, and websocket clients of the control API.
package sink

import (
	"errors"

	"github.com/MrWong99/marz/internal/session"
)

// Source publishes snapshots. [*session.Orchestrator] satisfies it.
type Source interface {
	Subscribe(fn func(session.Snapshot)) (unsubscribe func())
}

// Sink consumes snapshots. Publish runs on the orchestrator's publishing
// goroutine and must not block.
type Sink interface {
	Publish(session.Snapshot)
	Close() error
}

var _ Source = (*session.Orchestrator)(nil)

// Attach subscribes every sink to src. The returned function unsubscribes
// them again; it does not close the sinks.
func Attach(src Source, sinks ...Sink) (detach func()) {
	unsubs := make([]func(), 0, len(sinks))
	for _, s := range sinks {
		unsubs = append(unsubs, src.Subscribe(s.Publish))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// CloseAll closes every sink and joins the errors.
func CloseAll(sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Change flags what differs between two consecutive snapshots. Input level
// and in-flight transcript text are not tracked.
type Change struct {
	State      bool
	Emotion    bool
	Speaking   bool
	Turn       bool
	MediaError bool
	Settings   bool
}

// Any reports whether anything tracked changed.
func (c Change) Any() bool {
	return c.State || c.Emotion || c.Speaking || c.Turn || c.MediaError || c.Settings
}

// Compare reports the changes from prev to cur. A nil prev marks everything
// as changed.
func Compare(prev *session.Snapshot, cur session.Snapshot) Change {
	if prev == nil {
		return Change{State: true, Emotion: true, Speaking: true, Turn: true, MediaError: true, Settings: true}
	}
	return Change{
		State:      prev.State != cur.State || prev.View != cur.View,
		Emotion:    prev.Emotion != cur.Emotion,
		Speaking:   prev.ModelTalking != cur.ModelTalking,
		Turn:       turnChanged(prev, cur),
		MediaError: mediaErrorChanged(prev, cur),
		Settings: prev.Muted != cur.Muted ||
			prev.Paused != cur.Paused ||
			prev.VoiceOutput != cur.VoiceOutput ||
			prev.VideoEnabled != cur.VideoEnabled ||
			prev.Voice != cur.Voice ||
			prev.MicrophoneID != cur.MicrophoneID ||
			prev.CameraID != cur.CameraID ||
			prev.AvatarID != cur.AvatarID ||
			prev.CustomAvatarURL != cur.CustomAvatarURL,
	}
}

func turnChanged(prev *session.Snapshot, cur session.Snapshot) bool {
	if len(prev.History) != len(cur.History) {
		return true
	}
	n := len(cur.History)
	return n > 0 && prev.History[n-1] != cur.History[n-1]
}

func mediaErrorChanged(prev *session.Snapshot, cur session.Snapshot) bool {
	a, b := prev.LastMediaError, cur.LastMediaError
	if a == nil || b == nil {
		return a != b || prev.DiagnosticsOffered != cur.DiagnosticsOffered
	}
	return a.Kind != b.Kind || a.Message != b.Message || prev.DiagnosticsOffered != cur.DiagnosticsOffered
}
