// Package token verifies the credentials players present to the world service.
//
// Two token shapes are accepted. A string of exactly OpaqueTokenLength characters is
// taken as a bare persistent identity with no cryptographic check; it must only be
// accepted from callers whose channel already rules out token substitution, which is
// why the verifier lets deployments switch it off. Every other string is parsed as an
// EdDSA signed JWT.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"worldgate/internal/identity/keys"
)

const (
	// OpaqueTokenLength is the length of a canonical UUID string.
	OpaqueTokenLength = 36

	// DefaultMaxTokenAge bounds now - iat for signed tokens.
	DefaultMaxTokenAge = 6 * 24 * time.Hour

	signingAlgorithm = "EdDSA"
)

// Claims are the verified claims of a signed token. They are only built after the
// signature and registered claims have been checked.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// Result is the outcome of a successful verification. Claims is nil for opaque tokens.
type Result struct {
	PersistentID string
	Claims       *Claims
}

// Opaque reports whether the result came from the unverified identity path.
func (r Result) Opaque() bool {
	return r.Claims == nil
}

// Config holds the expected token parameters.
type Config struct {
	Issuer      string
	Audience    string
	MaxTokenAge time.Duration
	// TrustOpaqueTokens enables the 36 character identity shortcut.
	TrustOpaqueTokens bool
}

// Verifier checks tokens against the current key published by a keys.Provider.
type Verifier struct {
	keys   keys.Provider
	cfg    Config
	parser *jwt.Parser
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier constructs a verifier. Issuer and audience are required because every
// signed token is checked against them.
func NewVerifier(provider keys.Provider, cfg Config, opts ...Option) (*Verifier, error) {
	if provider == nil {
		return nil, errors.New("key provider is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("expected issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("expected audience is required")
	}
	if cfg.MaxTokenAge <= 0 {
		cfg.MaxTokenAge = DefaultMaxTokenAge
	}
	if cfg.MaxTokenAge > DefaultMaxTokenAge {
		return nil, fmt.Errorf("max token age %s exceeds %s", cfg.MaxTokenAge, DefaultMaxTokenAge)
	}
	v := &Verifier{
		keys: provider,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Verify decides the token's shape and, for signed tokens, validates it. Key fetch
// failures are not retried; they surface as CodeKeyUnavailable.
func (v *Verifier) Verify(ctx context.Context, raw string) (Result, error) {
	if len(raw) == OpaqueTokenLength {
		if !v.cfg.TrustOpaqueTokens {
			return Result{}, newError(CodeMalformed, errors.New("opaque identity tokens are not accepted"))
		}
		return Result{PersistentID: raw}, nil
	}
	if raw == "" {
		return Result{}, newError(CodeMalformed, errors.New("token is empty"))
	}

	var keyErr error
	var registered jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(raw, &registered, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.VerificationKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if keyErr != nil {
		if errors.Is(keyErr, keys.ErrKeyNotFound) {
			return Result{}, newError(CodeSignatureInvalid, keyErr)
		}
		return Result{}, newError(CodeKeyUnavailable, keyErr)
	}
	if err != nil {
		return Result{}, classify(err)
	}

	claims, err := v.checkClaims(&registered)
	if err != nil {
		return Result{}, err
	}
	return Result{PersistentID: claims.Subject, Claims: claims}, nil
}

// checkClaims enforces the fields the parser leaves optional and the maximum age.
func (v *Verifier) checkClaims(rc *jwt.RegisteredClaims) (*Claims, error) {
	switch {
	case rc.Subject == "":
		return nil, newError(CodeClaimsInvalid, errors.New("sub is required"))
	case rc.IssuedAt == nil:
		return nil, newError(CodeClaimsInvalid, errors.New("iat is required"))
	case rc.ExpiresAt == nil:
		return nil, newError(CodeClaimsInvalid, errors.New("exp is required"))
	}
	age := v.now().Sub(rc.IssuedAt.Time)
	if age > v.cfg.MaxTokenAge {
		return nil, newError(CodeClaimsInvalid, fmt.Errorf("token age %s exceeds %s", age.Round(time.Second), v.cfg.MaxTokenAge))
	}
	return &Claims{
		Subject:   rc.Subject,
		Issuer:    rc.Issuer,
		Audience:  append([]string(nil), rc.Audience...),
		IssuedAt:  rc.IssuedAt.Time,
		ExpiresAt: rc.ExpiresAt.Time,
		ID:        rc.ID,
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(CodeMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(CodeSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return newError(CodeClaimsInvalid, err)
	}
	return newError(CodeMalformed, err)
}
