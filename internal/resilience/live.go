package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/marz/pkg/provider/live"
)

var _ live.Provider = (*LiveFallback)(nil)

// LiveFallback implements [live.Provider] by connecting through the first
// healthy entry of a [Group]. Only the connect is covered; an established
// session that fails later ends the conversation as usual.
type LiveFallback struct {
	group *Group[live.Provider]
}

// NewLiveFallback wraps primary and fallbacks. opts apply to each entry's
// breaker.
func NewLiveFallback(primary live.Provider, primaryName string, fallbacks []Named[live.Provider], opts ...BreakerOption) *LiveFallback {
	return &LiveFallback{
		group: NewGroup(Named[live.Provider]{Name: primaryName, Value: primary}, fallbacks, opts...),
	}
}

// Connect implements [live.Provider]. Cancellation of ctx ends the walk
// without trying further entries.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	sess, name, err := Try(f.group, func(p live.Provider) (live.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg)
	}, func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	})
	if err != nil {
		return nil, err
	}
	if f.group.entries[0].name != name {
		slog.Info("resilience: live session opened on fallback", "provider", name)
	}
	return sess, nil
}

// Breaker returns the breaker guarding the provider called name, or nil.
func (f *LiveFallback) Breaker(name string) *Breaker { return f.group.Breaker(name) }
