package audio

import "time"

// Voice is a handle to one buffer started on an [OutputContext].
type Voice interface {
	// Stop halts playback. Stopping a voice that already finished or was
	// stopped before returns an error the caller may ignore.
	Stop() error
}

// OutputContext is a playback clock plus the ability to start buffers at an
// absolute time on that clock. It is the scheduling surface the playback
// scheduler drives.
//
// Implementations must be safe for concurrent use. onEnded is invoked exactly
// once when a voice finishes naturally; it is not invoked for voices halted
// through [Voice.Stop] or [OutputContext.Close]. onEnded must not block.
type OutputContext interface {
	// CurrentTime returns the context clock: how much audio has been rendered
	// since the context was created.
	CurrentTime() time.Duration

	// Start schedules buf to begin playing at the given clock time. A time in
	// the past starts immediately.
	Start(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops rendering and releases the output device. Idempotent.
	Close() error
}
