package resolver

import (
	"errors"
	"fmt"

	"worldgate/internal/identity/provider"
	"worldgate/internal/identity/token"
	"worldgate/pkg/platform/sentinel"
)

// Kind classifies why a resolution was rejected. Kinds are diagnostic only; callers
// of ResolveUser never see them.
type Kind string

const (
	KindMalformedToken      Kind = "malformed_token"
	KindSignatureInvalid    Kind = "signature_invalid"
	KindClaimsInvalid       Kind = "claims_invalid"
	KindCredentialRejected  Kind = "credential_rejected"
	KindIdentityNotFound    Kind = "identity_not_found"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Source names the collaborator a failure came from.
type Source string

const (
	SourceVerifier Source = "verifier"
	SourceKeys     Source = "keys"
	SourceStore    Source = "store"
	SourceProvider Source = "provider"
	SourceResolver Source = "resolver"
)

// Failure is the tagged internal outcome of a rejected resolution.
type Failure struct {
	Kind   Kind
	Source Source
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s (%s)", f.Kind, f.Source)
	}
	return fmt.Sprintf("%s (%s): %v", f.Kind, f.Source, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Dependency reports whether the failure was an outage rather than a bad credential.
func (f *Failure) Dependency() bool {
	return f.Kind == KindUpstreamUnavailable
}

func fail(kind Kind, source Source, err error) *Failure {
	return &Failure{Kind: kind, Source: source, Err: err}
}

func fromVerifier(err error) *Failure {
	switch token.CodeOf(err) {
	case token.CodeMalformed:
		return fail(KindMalformedToken, SourceVerifier, err)
	case token.CodeSignatureInvalid:
		return fail(KindSignatureInvalid, SourceVerifier, err)
	case token.CodeClaimsInvalid:
		return fail(KindClaimsInvalid, SourceVerifier, err)
	case token.CodeKeyUnavailable:
		return fail(KindUpstreamUnavailable, SourceKeys, err)
	}
	return fail(KindMalformedToken, SourceVerifier, err)
}

// storePanic carries a panic raised by the identity store during a shared lookup.
type storePanic struct {
	value any
}

func (p *storePanic) Error() string {
	return fmt.Sprintf("store panic: %v", p.value)
}

func fromStore(err error) *Failure {
	var sp *storePanic
	if errors.As(err, &sp) {
		return fail(KindInternal, SourceStore, err)
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return fail(KindIdentityNotFound, SourceStore, err)
	}
	return fail(KindUpstreamUnavailable, SourceStore, err)
}

func fromProvider(err error) *Failure {
	switch provider.CategoryOf(err) {
	case provider.ErrorRejected:
		return fail(KindCredentialRejected, SourceProvider, err)
	case provider.ErrorNotFound:
		return fail(KindIdentityNotFound, SourceProvider, err)
	case provider.ErrorBadData:
		return fail(KindClaimsInvalid, SourceProvider, err)
	}
	return fail(KindUpstreamUnavailable, SourceProvider, err)
}
