// Package cache holds recently resolved profiles in front of the players table and the
// identity provider. It is a pure accelerator: every caller must behave identically
// with the cache disabled or failing.
package cache

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"worldgate/internal/identity/models"
)

// ProfileCache stores profiles under opaque keys. Get returns sentinel.ErrNotFound on a miss.
type ProfileCache interface {
	Get(ctx context.Context, key string) (*models.UserProfile, error)
	Set(ctx context.Context, key string, profile *models.UserProfile, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const (
	identityKeyPrefix = "id:"
	tokenKeyPrefix    = "tok:"
)

// IdentityKey is the cache key for a verified persistent identity.
func IdentityKey(persistentID string) string {
	return identityKeyPrefix + persistentID
}

// Hasher derives cache keys from bearer tokens so raw credentials never reach the cache.
// The hash is keyed; a dump of the cache cannot be matched against guessed tokens
// without the secret.
type Hasher struct {
	secret []byte
}

// NewHasher builds a hasher. blake2b accepts secrets of at most 64 bytes; longer
// secrets are compressed first.
func NewHasher(secret []byte) *Hasher {
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum512(secret)
		secret = sum[:]
	}
	return &Hasher{secret: append([]byte(nil), secret...)}
}

// TokenKey is the cache key for a bearer token.
func (h *Hasher) TokenKey(token string) string {
	mac, err := blake2b.New256(h.secret)
	if err != nil {
		// Only reachable with a secret over 64 bytes, which NewHasher rules out.
		sum := blake2b.Sum256([]byte(token))
		return tokenKeyPrefix + hex.EncodeToString(sum[:])
	}
	_, _ = mac.Write([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(mac.Sum(nil))
}
