// Package mock provides an in-memory [audio.OutputContext] for unit tests.
//
// The mock clock only moves when the test calls [OutputContext.SetTime]; voices
// finish only when the test calls [OutputContext.Finish]. Every Start call is
// recorded so tests can assert on scheduled start times.
//
// Typical usage:
//
//	out := &mock.OutputContext{}
//	v, _ := out.Start(buf, 0, func() { ... })
//	out.Finish(0) // fires the ended callback of the first voice
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/audio"
)

// ErrVoiceDone is returned by [Voice.Stop] on a voice that was already stopped
// or finished.
var ErrVoiceDone = errors.New("mock: voice already done")

// Compile-time interface assertions.
var (
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Voice         = (*Voice)(nil)
)

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice records a single [OutputContext.Start] invocation.
type Voice struct {
	// Buffer is the buffer passed to Start.
	Buffer *audio.Buffer

	// At is the requested start time.
	At time.Duration

	mu        sync.Mutex
	onEnded   func()
	stopped   bool
	finished  bool
	stopCalls int
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopCalls++
	if v.stopped || v.finished {
		return ErrVoiceDone
	}
	v.stopped = true
	return nil
}

// Stopped reports whether Stop succeeded on this voice.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// StopCalls returns how many times Stop was called.
func (v *Voice) StopCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopCalls
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// OutputContext is a mock implementation of [audio.OutputContext].
type OutputContext struct {
	mu sync.Mutex

	now    time.Duration
	voices []*Voice

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the mock clock.
func (o *OutputContext) SetTime(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Start implements [audio.OutputContext]. Records the voice.
func (o *OutputContext) Start(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	v := &Voice{Buffer: buf, At: at, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v, nil
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseErr
}

// Voices returns a copy of every voice started so far, in call order.
func (o *OutputContext) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Finish completes voice i naturally and invokes its ended callback on the
// calling goroutine. Stopped or already finished voices are ignored.
func (o *OutputContext) Finish(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.voices) {
		o.mu.Unlock()
		return
	}
	v := o.voices[i]
	o.mu.Unlock()

	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		return
	}
	v.finished = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}
