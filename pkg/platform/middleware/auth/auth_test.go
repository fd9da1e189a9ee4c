package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldgate/internal/identity/models"
)

type stubResolver struct {
	profiles map[string]*models.UserProfile
	calls    []string
}

func (s *stubResolver) ResolveUser(_ context.Context, token string) (*models.UserProfile, bool) {
	s.calls = append(s.calls, token)
	p, ok := s.profiles[token]
	return p, ok
}

func TestRequireAuth(t *testing.T) {
	alice := (&models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}).ToProfile()
	resolver := &stubResolver{profiles: map[string]*models.UserProfile{"good": alice}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen *models.UserProfile
	handler := RequireAuth(resolver, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetProfile(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"valid token", "/users/@me", "Bearer good", http.StatusNoContent},
		{"lowercase scheme", "/users/@me", "bearer good", http.StatusNoContent},
		{"unknown token", "/users/@me", "Bearer bad", http.StatusUnauthorized},
		{"missing header", "/users/@me", "", http.StatusUnauthorized},
		{"basic scheme", "/users/@me", "Basic Z29vZA==", http.StatusUnauthorized},
		{"empty bearer", "/users/@me", "Bearer   ", http.StatusUnauthorized},
		{"query token", "/session?token=good", "", http.StatusNoContent},
		{"header wins over query", "/session?token=good", "Bearer bad", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent {
				assert.Equal(t, alice, seen)
				return
			}
			assert.Nil(t, seen)
			assert.JSONEq(t, `{"error":"unauthorized","error_description":"Not authenticated"}`, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"good", "good", "bad", "good", "bad"}, resolver.calls)
}

func TestGetProfileWithoutMiddleware(t *testing.T) {
	_, ok := GetProfile(context.Background())
	assert.False(t, ok)
}
