// Package tokens mints signed player tokens for tests. The service itself never
// issues tokens.
package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer holds an Ed25519 key pair and the issuer/audience stamped on minted tokens.
type Signer struct {
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
	Issuer   string
	Audience string
	KeyID    string
}

// NewSigner generates a fresh key pair.
func NewSigner(t testing.TB, issuer, audience string) *Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return &Signer{Public: pub, Private: priv, Issuer: issuer, Audience: audience}
}

// Claims returns registered claims for subject issued at iat and valid for ttl.
func (s *Signer) Claims(subject string, iat time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.Issuer,
		Audience:  jwt.ClaimStrings{s.Audience},
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
}

// Sign signs arbitrary claims with EdDSA.
func (s *Signer) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.KeyID != "" {
		tok.Header["kid"] = s.KeyID
	}
	signed, err := tok.SignedString(s.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Token mints a valid token for subject issued now with a one hour lifetime.
func (s *Signer) Token(t testing.TB, subject string) string {
	t.Helper()
	return s.Sign(t, s.Claims(subject, time.Now(), time.Hour))
}

// SignHMAC signs claims with HS256 using secret, for algorithm confusion tests.
func SignHMAC(t testing.TB, secret []byte, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign hmac token: %v", err)
	}
	return signed
}

// SignNone builds an unsigned token with alg "none".
func SignNone(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	return signed
}
