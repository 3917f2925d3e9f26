// Package playback schedules decoded speech segments back to back on an
// [audio.OutputContext].
//
// A [Scheduler] owns a next-start cursor and the set of in-flight voices. Each
// segment starts at max(cursor, clock) and pushes the cursor forward by its
// duration, so segments never overlap and are never reordered relative to the
// order in which [Scheduler.Schedule] was called.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
)

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnIdle sets the callback invoked when the last in-flight segment
// finishes naturally. It runs on the output context's goroutine, outside the
// scheduler lock.
func WithOnIdle(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// WithOnScheduled sets a callback invoked after every successful Schedule with
// the start time and duration of the segment.
func WithOnScheduled(fn func(start, dur time.Duration)) Option {
	return func(s *Scheduler) { s.onScheduled = fn }
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	out         audio.OutputContext
	onIdle      func()
	onScheduled func(start, dur time.Duration)

	mu       sync.Mutex
	cursor   time.Duration
	inflight map[*entry]struct{}
}

type entry struct {
	voice audio.Voice
}

// New creates a [Scheduler] playing through out.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		inflight: make(map[*entry]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule starts buf at max(cursor, now) and advances the cursor by the
// buffer's duration. It returns the chosen start time.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || buf.Frames() == 0 {
		return 0, nil
	}

	s.mu.Lock()
	startAt := max(s.cursor, s.out.CurrentTime())
	e := &entry{}
	v, err := s.out.Start(buf, startAt, func() { s.ended(e) })
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("playback: start segment: %w", err)
	}
	e.voice = v
	dur := buf.Duration()
	s.cursor = startAt + dur
	s.inflight[e] = struct{}{}
	s.mu.Unlock()

	if s.onScheduled != nil {
		s.onScheduled(startAt, dur)
	}
	return startAt, nil
}

// ended removes a naturally completed segment. Segments that were already
// dropped by StopAll are ignored.
func (s *Scheduler) ended(e *entry) {
	s.mu.Lock()
	if _, ok := s.inflight[e]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, e)
	idle := len(s.inflight) == 0
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// StopAll stops every in-flight segment, clears the set and resets the cursor
// to zero. Stop failures on segments that already finished are ignored.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.inflight))
	for e := range s.inflight {
		if e.voice != nil {
			voices = append(voices, e.voice)
		}
	}
	clear(s.inflight)
	s.cursor = 0
	s.mu.Unlock()

	for _, v := range voices {
		if err := v.Stop(); err != nil {
			slog.Debug("playback: stop segment", "err", err)
		}
	}
}

// InFlight returns the number of segments scheduled but not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Cursor returns the next-start cursor.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
