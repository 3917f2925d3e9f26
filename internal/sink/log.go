package sink

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/marz/internal/session"
)

// Log writes conversation milestones to a [slog.Logger].
type Log struct {
	logger *slog.Logger

	mu   sync.Mutex
	prev *session.Snapshot
}

var _ Sink = (*Log)(nil)

// NewLog returns a [Log] sink. A nil logger uses [slog.Default].
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "sink")}
}

// Publish implements [Sink].
func (l *Log) Publish(s session.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := Compare(l.prev, s)
	first := l.prev == nil
	l.prev = &s

	if c.State {
		l.logger.Info("session state", "state", s.State, "view", s.View, "seq", s.Seq)
	}
	if c.Emotion && !(first && s.Emotion == "") {
		l.logger.Info("emotion", "emotion", s.Emotion)
	}
	if c.Turn && !first && len(s.History) > 0 {
		last := s.History[len(s.History)-1]
		l.logger.Debug("turn recorded", "speaker", last.Speaker, "chars", len(last.Text), "history", len(s.History))
	}
	if c.MediaError && s.LastMediaError != nil {
		l.logger.Warn("media error", "kind", s.LastMediaError.Kind, "message", s.LastMediaError.Message)
	}
	if c.Settings && !first {
		l.logger.Debug("settings",
			"muted", s.Muted,
			"paused", s.Paused,
			"voice_output", s.VoiceOutput,
			"video", s.VideoEnabled,
			"voice", s.Voice,
		)
	}
}

// Close implements [Sink].
func (l *Log) Close() error { return nil }
