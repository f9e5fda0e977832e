package archive

import (
	"context"
	"errors"

	"github.com/MrWong99/chorus/internal/resilience"
)

var _ Store = (*GuardedStore)(nil)

// GuardedStore wraps a [Store] with a circuit breaker so an unreachable
// database fails fast instead of stalling every stop. [ErrNotFound] is a
// valid answer and never trips the breaker.
type GuardedStore struct {
	inner   Store
	breaker *resilience.Breaker
}

// NewGuardedStore wraps inner with a breaker built from cfg.
func NewGuardedStore(inner Store, cfg resilience.Config) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "archive"
	}
	return &GuardedStore{inner: inner, breaker: resilience.New(cfg)}
}

// State reports the breaker state.
func (g *GuardedStore) State() resilience.State {
	return g.breaker.State()
}

// Save implements [Store].
func (g *GuardedStore) Save(ctx context.Context, r Record) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.inner.Save(ctx, r)
	})
}

// List implements [Store].
func (g *GuardedStore) List(ctx context.Context, roomID string, limit int) ([]Record, error) {
	var out []Record
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.List(ctx, roomID, limit)
		return err
	})
	return out, err
}

// Get implements [Store].
func (g *GuardedStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var (
		out      Record
		notFound bool
	)
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Get(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if notFound {
		return Record{}, ErrNotFound
	}
	return out, err
}
