// Package prefs persists the device and avatar choices that survive across
// sessions: microphone, camera, avatar and custom avatar URL.
//
// An empty field means "use the default". All stores are safe for concurrent
// use.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrInvalid marks preferences rejected by [Preferences.Validate].
var ErrInvalid = errors.New("prefs: invalid preferences")

// Preferences is the persisted selection state.
type Preferences struct {
	MicrophoneID    string `yaml:"microphone_id,omitempty" json:"microphone_id,omitempty"`
	CameraID        string `yaml:"camera_id,omitempty" json:"camera_id,omitempty"`
	AvatarID        string `yaml:"avatar_id,omitempty" json:"avatar_id,omitempty"`
	CustomAvatarURL string `yaml:"custom_avatar_url,omitempty" json:"custom_avatar_url,omitempty"`
}

// Validate rejects a custom avatar URL that is not absolute http(s).
func (p Preferences) Validate() error {
	if p.CustomAvatarURL == "" {
		return nil
	}
	u, err := url.Parse(p.CustomAvatarURL)
	if err != nil {
		return fmt.Errorf("%w: custom_avatar_url: %w", ErrInvalid, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: custom_avatar_url %q must be an absolute http(s) URL", ErrInvalid, p.CustomAvatarURL)
	}
	return nil
}

// Store loads and saves [Preferences].
type Store interface {
	// Load returns the saved preferences. Nothing saved yet is not an error;
	// the zero value is returned.
	Load(ctx context.Context) (Preferences, error)

	// Save replaces the saved preferences after validating them.
	Save(ctx context.Context, p Preferences) error
}

// MemoryStore is a [Store] that keeps preferences in process memory.
type MemoryStore struct {
	mu sync.Mutex
	p  Preferences
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial Preferences) *MemoryStore {
	return &MemoryStore{p: initial}
}

// Load implements [Store].
func (m *MemoryStore) Load(context.Context) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, nil
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = p
	return nil
}
