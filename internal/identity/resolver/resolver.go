package resolver

//go:generate mockgen -source=resolver.go -destination=mocks/mocks.go -package=mocks TokenVerifier,IdentityStore,ProfileProvider,AuditPublisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/metrics"
	"worldgate/internal/identity/models"
	"worldgate/internal/identity/token"
	"worldgate/pkg/platform/sentinel"
)

const defaultStoreTimeout = 2 * time.Second

// TokenVerifier checks a bearer token and yields the persistent identity.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (token.Result, error)
}

// IdentityStore is the authoritative player lookup used in self-hosted mode.
type IdentityStore interface {
	FindByPersistentID(ctx context.Context, persistentID string) (*models.PlayerRecord, error)
}

// ProfileProvider fetches the caller's profile from the identity provider in
// federated mode.
type ProfileProvider interface {
	Me(ctx context.Context, bearer string) (*models.UserProfile, error)
}

// AuditPublisher receives rejected resolutions and invalidations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event)
}

// Resolver turns a bearer token into a player profile for the configured
// deployment mode. It never returns an error: every failure resolves to
// "not authenticated" and the reason only reaches logs, metrics and audit.
type Resolver struct {
	mode         models.Mode
	verifier     TokenVerifier
	store        IdentityStore
	provider     ProfileProvider
	cache        cache.ProfileCache
	cacheTTL     time.Duration
	hasher       *cache.Hasher
	storeTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   AuditPublisher
	tracer  trace.Tracer

	lookups singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithVerifier(v TokenVerifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

func WithStore(s IdentityStore) Option {
	return func(r *Resolver) { r.store = s }
}

func WithProvider(p ProfileProvider) Option {
	return func(r *Resolver) { r.provider = p }
}

// WithCache enables the profile cache. Entries live for ttl.
func WithCache(c cache.ProfileCache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithTokenHasher sets the keyed hasher used to derive federated cache keys.
func WithTokenHasher(h *cache.Hasher) Option {
	return func(r *Resolver) { r.hasher = h }
}

// WithStoreTimeout bounds each identity store query.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(r *Resolver) { r.audit = p }
}

// New builds a resolver for mode. The collaborators the mode needs are required.
func New(mode models.Mode, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		mode:         mode,
		storeTimeout: defaultStoreTimeout,
		logger:       slog.New(slog.DiscardHandler),
		tracer:       otel.Tracer("worldgate/identity/resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}

	switch mode {
	case models.ModeSelfHosted:
		if r.verifier == nil {
			return nil, fmt.Errorf("self-hosted mode requires a token verifier: %w", sentinel.ErrInvalidState)
		}
		if r.store == nil {
			return nil, fmt.Errorf("self-hosted mode requires an identity store: %w", sentinel.ErrInvalidState)
		}
	case models.ModeFederated:
		if r.provider == nil {
			return nil, fmt.Errorf("federated mode requires an identity provider: %w", sentinel.ErrInvalidState)
		}
		if r.cache != nil && r.hasher == nil {
			return nil, fmt.Errorf("federated cache requires a token hasher: %w", sentinel.ErrInvalidState)
		}
	default:
		return nil, fmt.Errorf("unknown deployment mode %q: %w", mode, sentinel.ErrInvalidState)
	}
	if r.cache != nil && r.cacheTTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	return r, nil
}

// Mode reports the deployment mode the resolver was built for.
func (r *Resolver) Mode() models.Mode {
	return r.mode
}

// ResolveUser returns the caller's profile and true, or nil and false when the
// caller is not authenticated for any reason.
func (r *Resolver) ResolveUser(ctx context.Context, raw string) (profile *models.UserProfile, ok bool) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "identity.ResolveUser",
		trace.WithAttributes(attribute.String("identity.mode", r.mode.String())))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			profile, ok = nil, false
			r.reject(ctx, span, fail(KindInternal, SourceResolver, fmt.Errorf("panic: %v", rec)))
		}
		r.metrics.ObserveResolve(r.mode.String(), time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		r.reject(ctx, span, fail(KindCancelled, SourceResolver, err))
		return nil, false
	}

	var f *Failure
	switch r.mode {
	case models.ModeSelfHosted:
		profile, f = r.resolveSelfHosted(ctx, raw)
	case models.ModeFederated:
		profile, f = r.resolveFederated(ctx, raw)
	default:
		f = fail(KindInternal, SourceResolver, fmt.Errorf("unknown deployment mode %q", r.mode))
	}
	if f == nil && ctx.Err() != nil {
		f = fail(KindCancelled, SourceResolver, ctx.Err())
	}
	if f != nil {
		r.reject(ctx, span, f)
		return nil, false
	}

	span.SetStatus(codes.Ok, "")
	r.metrics.IncrementResolution(r.mode.String(), "authenticated")
	return profile, true
}

func (r *Resolver) resolveSelfHosted(ctx context.Context, raw string) (*models.UserProfile, *Failure) {
	start := time.Now()
	res, err := r.verifier.Verify(ctx, raw)
	r.metrics.ObserveUpstream(string(SourceVerifier), time.Since(start))
	if err != nil {
		return nil, fromVerifier(err)
	}

	key := cache.IdentityKey(res.PersistentID)
	if p := r.cached(ctx, key); p != nil && p.PersistentID() == res.PersistentID {
		return p, nil
	}

	rec, f := r.lookupPlayer(ctx, res.PersistentID)
	if f != nil {
		return nil, f
	}
	profile := rec.ToProfile()
	r.remember(ctx, key, profile)
	return profile, nil
}

// lookupPlayer coalesces concurrent queries for the same identity. The shared
// query runs detached from any single caller so one disconnect does not fail the
// others; each caller still stops waiting when its own context ends.
func (r *Resolver) lookupPlayer(ctx context.Context, persistentID string) (*models.PlayerRecord, *Failure) {
	detached := context.WithoutCancel(ctx)
	ch := r.lookups.DoChan(persistentID, func() (val any, err error) {
		// DoChan re-panics on its own goroutine, out of reach of ResolveUser.
		defer func() {
			if rec := recover(); rec != nil {
				val, err = nil, &storePanic{value: rec}
			}
		}()
		qctx, cancel := context.WithTimeout(detached, r.storeTimeout)
		defer cancel()
		start := time.Now()
		rec, err := r.store.FindByPersistentID(qctx, persistentID)
		r.metrics.ObserveUpstream(string(SourceStore), time.Since(start))
		return rec, err
	})

	select {
	case <-ctx.Done():
		return nil, fail(KindCancelled, SourceResolver, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fromStore(res.Err)
		}
		rec, _ := res.Val.(*models.PlayerRecord)
		if rec == nil || rec.PersistentID != persistentID {
			return nil, fail(KindIdentityNotFound, SourceStore, errors.New("store returned a different identity"))
		}
		return rec, nil
	}
}

func (r *Resolver) resolveFederated(ctx context.Context, raw string) (*models.UserProfile, *Failure) {
	if raw == "" {
		return nil, fail(KindMalformedToken, SourceResolver, errors.New("empty bearer token"))
	}

	var key string
	if r.cache != nil {
		key = r.hasher.TokenKey(raw)
		if p := r.cached(ctx, key); p != nil {
			return p, nil
		}
	}

	start := time.Now()
	profile, err := r.provider.Me(ctx, raw)
	r.metrics.ObserveUpstream(string(SourceProvider), time.Since(start))
	if err != nil {
		var schemaErr *models.SchemaError
		if errors.As(err, &schemaErr) {
			r.logger.WarnContext(ctx, "identity provider response failed schema validation",
				"issues", schemaErr.Issues,
				"request_id", middleware.GetReqID(ctx),
			)
		}
		return nil, fromProvider(err)
	}
	r.remember(ctx, key, profile)
	return profile, nil
}

// cached returns a hit or nil. Cache errors are logged and treated as a miss.
func (r *Resolver) cached(ctx context.Context, key string) *models.UserProfile {
	if r.cache == nil || key == "" {
		return nil
	}
	start := time.Now()
	p, err := r.cache.Get(ctx, key)
	r.metrics.ObserveUpstream("cache", time.Since(start))
	switch {
	case err == nil:
		r.metrics.IncrementCacheLookup(r.mode.String(), "hit")
		return p
	case errors.Is(err, sentinel.ErrNotFound):
		r.metrics.IncrementCacheLookup(r.mode.String(), "miss")
	default:
		r.metrics.IncrementCacheLookup(r.mode.String(), "error")
		r.logger.WarnContext(ctx, "profile cache read failed, querying source",
			"mode", r.mode.String(),
			"error", err,
		)
	}
	return nil
}

// remember stores a fresh profile unless the caller has gone away.
func (r *Resolver) remember(ctx context.Context, key string, profile *models.UserProfile) {
	if r.cache == nil || key == "" || ctx.Err() != nil {
		return
	}
	if err := r.cache.Set(ctx, key, profile, r.cacheTTL); err != nil {
		r.logger.WarnContext(ctx, "profile cache write failed",
			"mode", r.mode.String(),
			"error", err,
		)
	}
}

func (r *Resolver) reject(ctx context.Context, span trace.Span, f *Failure) {
	span.SetStatus(codes.Error, string(f.Kind))
	span.SetAttributes(
		attribute.String("identity.failure_kind", string(f.Kind)),
		attribute.String("identity.failure_source", string(f.Source)),
	)
	r.metrics.IncrementResolution(r.mode.String(), "rejected")
	r.metrics.IncrementFailure(string(f.Kind), string(f.Source))

	requestID := middleware.GetReqID(ctx)
	level := slog.LevelWarn
	switch {
	case f.Kind == KindCancelled:
		level = slog.LevelDebug
	case f.Dependency(), f.Kind == KindInternal:
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "identity resolution rejected",
		"failure_kind", string(f.Kind),
		"source", string(f.Source),
		"mode", r.mode.String(),
		"request_id", requestID,
		"error", f.Err,
	)

	if r.audit != nil && f.Kind != KindCancelled {
		r.audit.Emit(ctx, audit.Event{
			Action:    audit.ActionRejected,
			Mode:      r.mode.String(),
			Kind:      string(f.Kind),
			Source:    string(f.Source),
			RequestID: requestID,
		})
	}
}

// Invalidate drops the cached profile for persistentID and any lookup still in
// flight for it. Federated entries are keyed by token hash and expire on their TTL.
func (r *Resolver) Invalidate(ctx context.Context, persistentID string) error {
	r.lookups.Forget(persistentID)
	return NewInvalidator(r.mode, r.cache, r.audit).Invalidate(ctx, persistentID)
}
