// Package keys supplies the public keys used to verify signed player tokens.
//
// Providers always hand out the currently published key. Rotation belongs to
// whoever publishes the key; the verifier never pins a key per request.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"worldgate/pkg/platform/sentinel"
)

// Provider returns the current Ed25519 verification key. kid is the key ID from the
// token header and may be empty.
type Provider interface {
	VerificationKey(ctx context.Context, kid string) (ed25519.PublicKey, error)
}

// ErrKeyNotFound is returned when no published key matches the requested kid.
var ErrKeyNotFound = fmt.Errorf("verification key: %w", sentinel.ErrNotFound)

// Static serves a single key loaded from configuration.
type Static struct {
	key ed25519.PublicKey
}

// NewStatic wraps an already decoded key.
func NewStatic(key ed25519.PublicKey) (*Static, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &Static{key: key}, nil
}

// ParseStatic accepts a PEM encoded SPKI public key or a base64 encoded raw key.
func ParseStatic(value string) (*Static, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("verification key is empty")
	}
	if strings.HasPrefix(value, "-----BEGIN") {
		block, _ := pem.Decode([]byte(value))
		if block == nil {
			return nil, errors.New("decode verification key pem")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse verification key: %w", err)
		}
		key, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("verification key is %T, want ed25519", parsed)
		}
		return NewStatic(key)
	}
	raw, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	return NewStatic(ed25519.PublicKey(raw))
}

// VerificationKey ignores kid; a static deployment publishes exactly one key.
func (s *Static) VerificationKey(_ context.Context, _ string) (ed25519.PublicKey, error) {
	return s.key, nil
}

func decodeBase64(value string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("not valid base64")
}
