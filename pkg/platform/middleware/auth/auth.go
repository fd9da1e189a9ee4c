package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"worldgate/internal/identity/models"
)

// ProfileResolver resolves a bearer token to a player profile. It reports false for
// every failure and never explains why.
type ProfileResolver interface {
	ResolveUser(ctx context.Context, token string) (*models.UserProfile, bool)
}

type contextKeyProfile struct{}

// GetProfile retrieves the authenticated profile from the context.
func GetProfile(ctx context.Context) (*models.UserProfile, bool) {
	p, ok := ctx.Value(contextKeyProfile{}).(*models.UserProfile)
	return p, ok && p != nil
}

// WithProfile stores an authenticated profile in ctx. Handler tests use it to skip
// the middleware.
func WithProfile(ctx context.Context, p *models.UserProfile) context.Context {
	return context.WithValue(ctx, contextKeyProfile{}, p)
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="worldgate"`)
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth admits only requests whose bearer token resolves to a profile. Every
// rejection gets the same response so callers cannot tell a bad token from an
// unknown player.
func RequireAuth(resolver ProfileResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", middleware.GetReqID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
				return
			}

			profile, ok := resolver.ResolveUser(ctx, token)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithProfile(ctx, profile)))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter used by clients that cannot set headers on a websocket upgrade.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		token := r.URL.Query().Get("token")
		return token, token != ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
