// Package transcript accumulates streamed speech transcription into per-turn
// buffers, extracts the leading emotion tag the model is instructed to emit,
// and keeps a bounded history of completed exchanges.
//
// An [Accumulator] is not safe for concurrent use; the session orchestrator
// owns one and guards it with its own lock.
package transcript

import (
	"regexp"
	"strings"
)

// DefaultHistoryLimit is the number of entries kept after a turn completes.
const DefaultHistoryLimit = 20

// emotionTag matches a bracketed word at the very start of the model output,
// plus any whitespace that follows it.
var emotionTag = regexp.MustCompile(`^\[(\w+)\]\s*`)

// Speaker identifies who produced a history entry.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Entry is a single utterance in the conversation history.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// OutputUpdate is the result of appending a model transcription fragment.
type OutputUpdate struct {
	// Text is the accumulated output with any leading emotion tag stripped.
	Text string

	// Emotion is the current emotion after the fragment was applied.
	Emotion Emotion

	// EmotionChanged is true only when the fragment caused a new emotion to
	// be adopted. Repeating the current emotion does not set it.
	EmotionChanged bool
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithHistoryLimit overrides [DefaultHistoryLimit]. Values below 2 are
// raised to 2 so a completed exchange always fits.
func WithHistoryLimit(n int) Option {
	return func(a *Accumulator) {
		a.limit = max(n, 2)
	}
}

// Accumulator holds the in-progress turn buffers and completed history.
type Accumulator struct {
	input   strings.Builder
	output  strings.Builder
	history []Entry
	emotion Emotion
	limit   int
}

// New returns an empty Accumulator in the Idle emotion.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{emotion: EmotionIdle, limit: DefaultHistoryLimit}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reset clears both turn buffers and the history. The emotion is left alone;
// callers set it explicitly on session start and teardown.
func (a *Accumulator) Reset() {
	a.input.Reset()
	a.output.Reset()
	a.history = nil
}

// AppendInput adds a user transcription fragment and returns the
// accumulated input for the current turn.
func (a *Accumulator) AppendInput(text string) string {
	a.input.WriteString(text)
	return a.input.String()
}

// AppendOutput adds a model transcription fragment. When the accumulated
// output starts with a bracketed tag that resolves to a vocabulary emotion
// different from the current one, the emotion changes. A tag is stripped
// from the displayed text whether or not it resolves.
func (a *Accumulator) AppendOutput(text string) OutputUpdate {
	a.output.WriteString(text)
	raw := a.output.String()

	upd := OutputUpdate{Text: raw, Emotion: a.emotion}
	m := emotionTag.FindStringSubmatchIndex(raw)
	if m == nil {
		return upd
	}
	upd.Text = raw[m[1]:]
	if e, ok := ResolveEmotion(raw[m[2]:m[3]]); ok && e != a.emotion {
		a.emotion = e
		upd.Emotion = e
		upd.EmotionChanged = true
	}
	return upd
}

// CompleteTurn closes the current turn. When either trimmed buffer is
// non-empty, whitespace-only history entries are dropped, the user and model
// entries are appended and the history is truncated to the newest entries.
// Both buffers are cleared in every case. It reports whether history changed.
func (a *Accumulator) CompleteTurn() bool {
	in := strings.TrimSpace(a.input.String())
	out := strings.TrimSpace(StripTag(a.output.String()))
	a.input.Reset()
	a.output.Reset()

	if in == "" && out == "" {
		return false
	}

	kept := a.history[:0]
	for _, e := range a.history {
		if strings.TrimSpace(e.Text) != "" {
			kept = append(kept, e)
		}
	}
	kept = append(kept,
		Entry{Speaker: SpeakerUser, Text: in},
		Entry{Speaker: SpeakerModel, Text: out},
	)
	if over := len(kept) - a.limit; over > 0 {
		kept = append([]Entry(nil), kept[over:]...)
	}
	a.history = kept
	return true
}

// History returns a copy of the completed exchanges, oldest first.
func (a *Accumulator) History() []Entry {
	return append([]Entry(nil), a.history...)
}

// Input returns the in-progress user text.
func (a *Accumulator) Input() string { return a.input.String() }

// Output returns the in-progress model text with any emotion tag stripped.
func (a *Accumulator) Output() string { return StripTag(a.output.String()) }

// Emotion returns the current emotion.
func (a *Accumulator) Emotion() Emotion { return a.emotion }

// SetEmotion forces the current emotion and reports whether it changed.
func (a *Accumulator) SetEmotion(e Emotion) bool {
	if a.emotion == e {
		return false
	}
	a.emotion = e
	return true
}

// StripTag removes a leading bracketed tag and the whitespace after it.
func StripTag(s string) string {
	if m := emotionTag.FindStringIndex(s); m != nil {
		return s[m[1]:]
	}
	return s
}
