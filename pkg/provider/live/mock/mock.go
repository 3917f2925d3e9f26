// Package mock provides in-memory implementations of [live.Provider] and
// [live.Session] for unit tests.
//
// The test drives the session's event stream directly through
// [Session.Emit] and inspects what was sent through [Session.Sent].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [live.Session].
type Session struct {
	mu sync.Mutex

	events chan live.Event
	sent   []audio.Blob
	closed bool

	// SendErr, when non-nil, is returned by SendRealtimeInput.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession returns a session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// SendRealtimeInput implements [live.Session]. Records the blob.
func (s *Session) SendRealtimeInput(_ context.Context, b audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, b)
	return nil
}

// Events implements [live.Session].
func (s *Session) Events() <-chan live.Event { return s.events }

// Close implements [live.Session]. Closes the event stream once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// Emit pushes ev onto the event stream. It reports false when the session is
// closed.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Open emits live.EventOpen.
func (s *Session) Open() bool { return s.Emit(live.Event{Kind: live.EventOpen}) }

// Message emits a live.EventMessage carrying m.
func (s *Session) Message(m live.Message) bool {
	return s.Emit(live.Event{Kind: live.EventMessage, Message: &m})
}

// Sent returns a copy of every blob sent so far.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [live.Provider]. Each Connect returns a
// fresh [Session] unless ConnectErr is set.
type Provider struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect.
	ConnectErr error

	// ConnectCalls records the config of every Connect call.
	ConnectCalls []live.Config

	// Sessions records every session handed out.
	Sessions []*Session
}

// Connect implements [live.Provider].
func (p *Provider) Connect(_ context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// SessionCount returns how many sessions were handed out.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}
