package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/sewago/sentinel/internal/circuitbreaker"
	"github.com/sewago/sentinel/internal/signals"
)

const breakerKey = "history_store"

// GuardedStore wraps a Store with a circuit breaker. When the underlying
// store fails repeatedly the circuit opens and reads fail fast with
// ErrHistoryUnavailable instead of piling timeouts onto a degraded database.
// The engine degrades those failures to a challenge verdict.
type GuardedStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewGuardedStore wraps store with a breaker that opens after 5 consecutive
// failures and probes again after 15 seconds.
func NewGuardedStore(inner Store) *GuardedStore {
	return &GuardedStore{
		inner:   inner,
		breaker: circuitbreaker.New(5, 15*time.Second),
	}
}

// Healthy reports whether the circuit is currently closed.
func (g *GuardedStore) Healthy() bool {
	return g.breaker.State(breakerKey) == circuitbreaker.StateClosed
}

func (g *GuardedStore) Get(ctx context.Context, identityKey string) (*History, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, ErrHistoryUnavailable
	}
	h, err := g.inner.Get(ctx, identityKey)
	if err != nil {
		g.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	g.breaker.RecordSuccess(breakerKey)
	return h, nil
}

func (g *GuardedStore) Append(ctx context.Context, sig signals.SignalSet, allowed bool) error {
	if !g.breaker.Allow(breakerKey) {
		return ErrHistoryUnavailable
	}
	if err := g.inner.Append(ctx, sig, allowed); err != nil {
		g.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	g.breaker.RecordSuccess(breakerKey)
	return nil
}

func (g *GuardedStore) RecordAnomaly(ctx context.Context, identityKey string, at time.Time) error {
	if !g.breaker.Allow(breakerKey) {
		return ErrHistoryUnavailable
	}
	if err := g.inner.RecordAnomaly(ctx, identityKey, at); err != nil {
		g.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	g.breaker.RecordSuccess(breakerKey)
	return nil
}
