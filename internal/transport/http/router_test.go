package httptransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"worldgate/internal/identity/models"
	"worldgate/pkg/testutil"
)

type fakeResolver struct {
	profiles map[string]*models.UserProfile
}

func (f fakeResolver) ResolveUser(_ context.Context, token string) (*models.UserProfile, bool) {
	p, ok := f.profiles[token]
	return p, ok
}

type RouterSuite struct {
	suite.Suite
	router http.Handler
	dbUp   bool
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.dbUp = true
	alice := (&models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}).ToProfile()
	h := NewHandler(
		fakeResolver{profiles: map[string]*models.UserProfile{"alice-token": alice}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithHealthCheck("store", func(context.Context) error {
			if !s.dbUp {
				return errors.New("connection refused")
			}
			return nil
		}),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	)
	s.router = NewRouter(h)
}

func (s *RouterSuite) do(method, path, token string) *httptest.ResponseRecorder {
	return testutil.DoRequest(s.router, testutil.NewBearerRequest(s.T(), method, path, token))
}

func (s *RouterSuite) TestMeReturnsProfile() {
	rec := s.do(http.MethodGet, "/users/@me", "alice-token")

	s.Require().Equal(http.StatusOK, rec.Code)
	profile := testutil.DecodeJSON[models.UserProfile](s.T(), rec)
	s.Equal("abc-123", profile.PersistentID())
	s.JSONEq(`{
		"user": {"id": "abc-123", "avatar": null, "username": "alice", "global_name": null, "discriminator": "0"},
		"player": {"publicId": "abc-123", "roles": []}
	}`, rec.Body.String())
}

func (s *RouterSuite) TestMeRejectsUniformly() {
	unknown := s.do(http.MethodGet, "/users/@me", "who-is-this")
	missing := s.do(http.MethodGet, "/users/@me", "")

	s.Equal(http.StatusUnauthorized, unknown.Code)
	s.Equal(http.StatusUnauthorized, missing.Code)
	s.Equal(unknown.Body.String(), missing.Body.String())
}

func (s *RouterSuite) TestMeOnlyAllowsGet() {
	rec := s.do(http.MethodPost, "/users/@me", "alice-token")

	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *RouterSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok","dependencies":{"store":"ok"}}`, rec.Body.String())

	s.dbUp = false
	rec = s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.JSONEq(`{"status":"degraded","dependencies":{"store":"unavailable"}}`, rec.Body.String())
}

func (s *RouterSuite) TestMetricsMounted() {
	rec := s.do(http.MethodGet, "/metrics", "")

	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "# metrics")
}

func TestHealthRunsRegisteredChecks(t *testing.T) {
	var seen string
	h := NewHandler(fakeResolver{}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithHealthCheck("probe", func(ctx context.Context) error {
			seen = "called"
			return nil
		}))
	rec := httptest.NewRecorder()

	NewRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "called", seen)
}
