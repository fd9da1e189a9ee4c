package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldgate/pkg/platform/sentinel"
)

func generateKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestParseStatic(t *testing.T) {
	pub := generateKey(t)
	ctx := context.Background()

	t.Run("base64 raw key", func(t *testing.T) {
		s, err := ParseStatic(base64.StdEncoding.EncodeToString(pub))
		require.NoError(t, err)
		got, err := s.VerificationKey(ctx, "ignored")
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	})

	t.Run("base64url without padding", func(t *testing.T) {
		s, err := ParseStatic(base64.RawURLEncoding.EncodeToString(pub))
		require.NoError(t, err)
		got, err := s.VerificationKey(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	})

	t.Run("pem spki", func(t *testing.T) {
		der, err := x509.MarshalPKIXPublicKey(pub)
		require.NoError(t, err)
		encoded := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

		s, err := ParseStatic(string(encoded))
		require.NoError(t, err)
		got, err := s.VerificationKey(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	})

	t.Run("rejects empty and short keys", func(t *testing.T) {
		_, err := ParseStatic("  ")
		require.Error(t, err)

		_, err = ParseStatic(base64.StdEncoding.EncodeToString([]byte("short")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func jwksBody(t *testing.T, entries map[string]ed25519.PublicKey) []byte {
	t.Helper()
	var keys []map[string]string
	for kid, pub := range entries {
		keys = append(keys, map[string]string{
			"kty": "OKP",
			"crv": "Ed25519",
			"kid": kid,
			"x":   base64.RawURLEncoding.EncodeToString(pub),
		})
	}
	body, err := json.Marshal(map[string]any{"keys": keys})
	require.NoError(t, err)
	return body
}

func TestJWKS(t *testing.T) {
	pub := generateKey(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksBody(t, map[string]ed25519.PublicKey{"k1": pub}))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := NewJWKS(ctx, srv.URL, WithFetchTimeout(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, provider.Warmup(ctx))

	t.Run("lookup by kid", func(t *testing.T) {
		got, err := provider.VerificationKey(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	})

	t.Run("first ed25519 key without kid", func(t *testing.T) {
		got, err := provider.VerificationKey(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := provider.VerificationKey(ctx, "retired")
		require.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("set is served from cache", func(t *testing.T) {
		before := hits.Load()
		for i := 0; i < 5; i++ {
			_, err := provider.VerificationKey(ctx, "k1")
			require.NoError(t, err)
		}
		assert.Equal(t, before, hits.Load())
	})
}

func TestJWKS_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := NewJWKS(ctx, srv.URL, WithFetchTimeout(time.Second))
	require.NoError(t, err)

	err = provider.Warmup(ctx)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)

	_, err = provider.VerificationKey(ctx, "")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestNewJWKS_RequiresURL(t *testing.T) {
	_, err := NewJWKS(context.Background(), "")
	require.ErrorIs(t, err, sentinel.ErrInvalidState)
}
