package keys

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"worldgate/pkg/platform/sentinel"
)

const (
	defaultMinRefresh  = 5 * time.Minute
	defaultHTTPTimeout = 5 * time.Second
)

// JWKS serves keys from a remote JWK set. The set is cached and refreshed in the
// background; lookups only fail when no copy of the set has ever been fetched.
type JWKS struct {
	url     string
	cache   *jwk.Cache
	timeout time.Duration
}

// JWKSOption configures a JWKS provider.
type JWKSOption func(*jwksOptions)

type jwksOptions struct {
	minRefresh time.Duration
	timeout    time.Duration
	client     *http.Client
}

// WithMinRefresh bounds how often the set is refetched.
func WithMinRefresh(d time.Duration) JWKSOption {
	return func(o *jwksOptions) {
		if d > 0 {
			o.minRefresh = d
		}
	}
}

// WithFetchTimeout bounds each fetch of the key set.
func WithFetchTimeout(d time.Duration) JWKSOption {
	return func(o *jwksOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHTTPClient overrides the client used to fetch the set.
func WithHTTPClient(c *http.Client) JWKSOption {
	return func(o *jwksOptions) {
		if c != nil {
			o.client = c
		}
	}
}

// NewJWKS registers url with a background-refreshing cache. ctx bounds the lifetime
// of the refresh goroutine.
func NewJWKS(ctx context.Context, url string, opts ...JWKSOption) (*JWKS, error) {
	if url == "" {
		return nil, fmt.Errorf("jwks url is required: %w", sentinel.ErrInvalidState)
	}
	o := jwksOptions{
		minRefresh: defaultMinRefresh,
		timeout:    defaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{
			Timeout: o.timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(
		url,
		jwk.WithMinRefreshInterval(o.minRefresh),
		jwk.WithHTTPClient(o.client),
	); err != nil {
		return nil, fmt.Errorf("register jwks %q: %w", url, err)
	}
	return &JWKS{url: url, cache: cache, timeout: o.timeout}, nil
}

// Warmup fetches the set once so the first request does not pay for it.
func (j *JWKS) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.cache.Refresh(ctx, j.url); err != nil {
		return fmt.Errorf("refresh jwks: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// VerificationKey returns the Ed25519 key named by kid, or the first Ed25519 key in
// the set when kid is empty.
func (j *JWKS) VerificationKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	set, err := j.cache.Get(ctx, j.url)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w: %w", sentinel.ErrUnavailable, err)
	}

	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, ErrKeyNotFound
		}
		return toEd25519(key)
	}

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyType() != jwa.OKP {
			continue
		}
		if pub, err := toEd25519(key); err == nil {
			return pub, nil
		}
	}
	return nil, ErrKeyNotFound
}

func toEd25519(key jwk.Key) (ed25519.PublicKey, error) {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	pub, ok := raw.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwk %q is %T, want ed25519: %w", key.KeyID(), raw, ErrKeyNotFound)
	}
	return pub, nil
}
