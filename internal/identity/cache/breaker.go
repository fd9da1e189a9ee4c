package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"worldgate/internal/identity/models"
	"worldgate/pkg/platform/circuit"
	"worldgate/pkg/platform/sentinel"
)

// Guarded wraps a ProfileCache with a circuit breaker. While the breaker is open,
// Get reports a miss and writes are dropped, so callers fall through to the
// authoritative source without paying for cache timeouts.
type Guarded struct {
	inner       ProfileCache
	breaker     *circuit.Breaker
	breakerOpts []circuit.Option
	timeout     time.Duration
	logger      *slog.Logger
}

// GuardedOption configures a Guarded cache.
type GuardedOption func(*Guarded)

// WithCallTimeout bounds each cache round trip.
func WithCallTimeout(d time.Duration) GuardedOption {
	return func(g *Guarded) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBreakerClock injects the breaker's clock, for tests.
func WithBreakerClock(clock func() time.Time) GuardedOption {
	return func(g *Guarded) {
		g.breakerOpts = append(g.breakerOpts, circuit.WithClock(clock))
	}
}

// WithGuardLogger logs breaker transitions.
func WithGuardLogger(logger *slog.Logger) GuardedOption {
	return func(g *Guarded) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuarded wraps inner.
func NewGuarded(inner ProfileCache, opts ...GuardedOption) *Guarded {
	g := &Guarded{
		inner:   inner,
		timeout: 100 * time.Millisecond,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = circuit.New("profile-cache", g.breakerOpts...)
	return g
}

// Degraded reports whether the cache is currently bypassed.
func (g *Guarded) Degraded() bool {
	return g.breaker.IsOpen()
}

func (g *Guarded) Get(ctx context.Context, key string) (*models.UserProfile, error) {
	if !g.breaker.Allow() {
		return nil, sentinel.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	p, err := g.inner.Get(ctx, key)
	g.record(err)
	return p, err
}

func (g *Guarded) Set(ctx context.Context, key string, profile *models.UserProfile, ttl time.Duration) error {
	if !g.breaker.Allow() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := g.inner.Set(ctx, key, profile, ttl)
	g.record(err)
	return err
}

// Delete always reaches the inner cache; an invalidation must not be skipped just
// because recent reads failed.
func (g *Guarded) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := g.inner.Delete(ctx, key)
	g.record(err)
	return err
}

func (g *Guarded) record(err error) {
	if err == nil || errors.Is(err, sentinel.ErrNotFound) {
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.Info("profile cache recovered", "breaker", g.breaker.Name())
		}
		return
	}
	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.logger.Warn("profile cache bypassed after repeated failures",
			"breaker", g.breaker.Name(),
			"error", err,
		)
	}
}
