package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/marz/pkg/audio"
	"github.com/MrWong99/marz/pkg/media"
	"github.com/MrWong99/marz/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// OutputOpener opens a playback context at a sample rate.
type OutputOpener = func(sampleRate int) (audio.OutputContext, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(ProviderEntry) (live.Provider, error)
	media  map[string]func(ProviderEntry) (media.Gateway, error)
	output map[string]func(ProviderEntry) (OutputOpener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(ProviderEntry) (live.Provider, error)),
		media:  make(map[string]func(ProviderEntry) (media.Gateway, error)),
		output: make(map[string]func(ProviderEntry) (OutputOpener, error)),
	}
}

// RegisterLive registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterMedia registers a capture gateway factory under name.
func (r *Registry) RegisterMedia(name string, factory func(ProviderEntry) (media.Gateway, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media[name] = factory
}

// RegisterOutput registers a speaker sink factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (OutputOpener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLive instantiates the realtime provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMedia instantiates the capture gateway registered under entry.Name.
func (r *Registry) CreateMedia(entry ProviderEntry) (media.Gateway, error) {
	r.mu.RLock()
	factory, ok := r.media[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: media/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateOutput instantiates the speaker sink registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (OutputOpener, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered names per kind, sorted. Used for the startup
// summary.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"live":   sortedKeys(r.live),
		"media":  sortedKeys(r.media),
		"output": sortedKeys(r.output),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from a provider Options map. YAML decodes
// plain integers as int; floats are truncated.
func OptInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
