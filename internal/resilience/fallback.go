package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all entries failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary value and ordered fallbacks, each behind its own
// [Breaker]. Entries are fixed after construction.
type Group[T any] struct {
	entries []entry[T]
}

// Named pairs a value with the label used for its breaker and logs.
type Named[T any] struct {
	Name  string
	Value T
}

// NewGroup creates a [Group] trying primary first, then fallbacks in order.
// opts apply to every entry's breaker.
func NewGroup[T any](primary Named[T], fallbacks []Named[T], opts ...BreakerOption) *Group[T] {
	g := &Group[T]{entries: make([]entry[T], 0, 1+len(fallbacks))}
	for _, n := range append([]Named[T]{primary}, fallbacks...) {
		g.entries = append(g.entries, entry[T]{name: n.Name, value: n.Value, breaker: NewBreaker(n.Name, opts...)})
	}
	return g
}

// Len returns the number of entries.
func (g *Group[T]) Len() int { return len(g.entries) }

// Breaker returns the breaker guarding the entry called name, or nil.
func (g *Group[T]) Breaker(name string) *Breaker {
	for _, e := range g.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Try runs fn against each entry in order until one succeeds and returns its
// result along with the name of the entry that produced it. stop, when
// non-nil, ends the walk early for errors that another entry cannot fix.
func Try[T, R any](g *Group[T], fn func(T) (R, error), stop func(error) bool) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, e := range g.entries {
		var res R
		err := e.breaker.Execute(func() error {
			var err error
			res, err = fn(e.value)
			return err
		})
		if err == nil {
			return res, e.name, nil
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping entry with open breaker", "entry", e.name)
		} else {
			slog.Warn("resilience: entry failed", "entry", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if stop != nil && stop(err) {
			return zero, e.name, err
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
