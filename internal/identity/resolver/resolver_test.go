package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"worldgate/internal/audit"
	"worldgate/internal/identity/cache"
	"worldgate/internal/identity/keys"
	"worldgate/internal/identity/metrics"
	"worldgate/internal/identity/models"
	"worldgate/internal/identity/provider"
	"worldgate/internal/identity/resolver/mocks"
	"worldgate/internal/identity/store"
	"worldgate/internal/identity/token"
	"worldgate/pkg/platform/sentinel"
	tokens "worldgate/pkg/testutil/tokens"
)

const (
	issuer   = "https://auth.worldgate.test"
	audience = "worldgate"
)

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*models.UserProfile, error) {
	return nil, sentinel.ErrUnavailable
}

func (brokenCache) Set(context.Context, string, *models.UserProfile, time.Duration) error {
	return sentinel.ErrUnavailable
}

func (brokenCache) Delete(context.Context, string) error {
	return sentinel.ErrUnavailable
}

type SelfHostedSuite struct {
	suite.Suite
	signer   *tokens.Signer
	verifier *token.Verifier
	store    *store.InMemoryStore
	cache    *cache.InMemoryCache
	logs     *bytes.Buffer
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func TestSelfHostedSuite(t *testing.T) {
	suite.Run(t, new(SelfHostedSuite))
}

func (s *SelfHostedSuite) SetupTest() {
	s.signer = tokens.NewSigner(s.T(), issuer, audience)
	static, err := keys.NewStatic(s.signer.Public)
	s.Require().NoError(err)
	s.verifier, err = token.NewVerifier(static, token.Config{
		Issuer:            issuer,
		Audience:          audience,
		TrustOpaqueTokens: true,
	})
	s.Require().NoError(err)

	s.store = store.NewInMemory()
	s.Require().NoError(s.store.Create(context.Background(), &models.PlayerRecord{
		PersistentID: "abc-123",
		Username:     "alice",
	}))
	s.cache = cache.NewInMemory()
	s.logs = &bytes.Buffer{}
	s.logger = slog.New(slog.NewJSONHandler(s.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.NewWith(s.registry)
}

func (s *SelfHostedSuite) newResolver(opts ...Option) *Resolver {
	base := []Option{
		WithVerifier(s.verifier),
		WithStore(s.store),
		WithLogger(s.logger),
		WithMetrics(s.metrics),
	}
	r, err := New(models.ModeSelfHosted, append(base, opts...)...)
	s.Require().NoError(err)
	return r
}

func (s *SelfHostedSuite) TestKnownPlayerResolvesToNormalizedProfile() {
	r := s.newResolver()

	profile, ok := r.ResolveUser(context.Background(), s.signer.Token(s.T(), "abc-123"))

	s.Require().True(ok)
	s.Equal("abc-123", profile.User.ID)
	s.Equal("alice", profile.User.Username)
	s.Equal(models.PlaceholderDiscriminator, profile.User.Discriminator)
	s.Nil(profile.User.Avatar)
	s.Nil(profile.User.GlobalName)
	s.Nil(profile.User.Locale)
	s.Equal("abc-123", profile.Player.PublicID)
	s.NotNil(profile.Player.Roles)
	s.Empty(profile.Player.Roles)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Resolutions.WithLabelValues("self_hosted", "authenticated")))
}

func (s *SelfHostedSuite) TestUnknownSubjectIsNotAuthenticated() {
	r := s.newResolver()

	profile, ok := r.ResolveUser(context.Background(), s.signer.Token(s.T(), "nobody-here"))

	s.False(ok)
	s.Nil(profile)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("identity_not_found", "store")))
}

func (s *SelfHostedSuite) TestOpaqueIdentityResolvesWithoutSignature() {
	id := "2b1e1c3e-6a47-4a55-9d4c-6fb1c1c0a001"
	s.Require().NoError(s.store.Create(context.Background(), &models.PlayerRecord{PersistentID: id, Username: "bob"}))
	r := s.newResolver()

	profile, ok := r.ResolveUser(context.Background(), id)

	s.Require().True(ok)
	s.Equal("bob", profile.User.Username)
}

func (s *SelfHostedSuite) TestForgedTokenNeverReachesStore() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	forger := tokens.NewSigner(s.T(), issuer, audience)
	r := s.newResolver(WithStore(mockStore))

	for _, raw := range []string{
		forger.Token(s.T(), "abc-123"),
		tokens.SignHMAC(s.T(), s.signer.Public, s.signer.Claims("abc-123", time.Now(), time.Hour)),
		tokens.SignNone(s.T(), s.signer.Claims("abc-123", time.Now(), time.Hour)),
		"",
		"not.a.jwt",
	} {
		profile, ok := r.ResolveUser(context.Background(), raw)
		s.False(ok)
		s.Nil(profile)
	}
}

func (s *SelfHostedSuite) TestExpiredAndStaleTokensRejected() {
	r := s.newResolver()
	now := time.Now()

	expired := s.signer.Sign(s.T(), s.signer.Claims("abc-123", now.Add(-2*time.Hour), time.Hour))
	stale := s.signer.Sign(s.T(), s.signer.Claims("abc-123", now.Add(-7*24*time.Hour), 8*24*time.Hour))

	_, ok := r.ResolveUser(context.Background(), expired)
	s.False(ok)
	_, ok = r.ResolveUser(context.Background(), stale)
	s.False(ok)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("claims_invalid", "verifier")))
}

func (s *SelfHostedSuite) TestStoreOutageFailsClosedAndLogsWithoutToken() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		Return(nil, fmt.Errorf("query player: %w", sentinel.ErrUnavailable))
	r := s.newResolver(WithStore(mockStore))
	raw := s.signer.Token(s.T(), "abc-123")

	_, ok := r.ResolveUser(context.Background(), raw)

	s.False(ok)
	s.Contains(s.logs.String(), `"failure_kind":"upstream_unavailable"`)
	s.Contains(s.logs.String(), `"level":"ERROR"`)
	s.NotContains(s.logs.String(), raw)
}

func (s *SelfHostedSuite) TestStoreTimeoutFailsClosed() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		DoAndReturn(func(ctx context.Context, _ string) (*models.PlayerRecord, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	r := s.newResolver(WithStore(mockStore), WithStoreTimeout(20*time.Millisecond))

	_, ok := r.ResolveUser(context.Background(), s.signer.Token(s.T(), "abc-123"))

	s.False(ok)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("upstream_unavailable", "store")))
}

func (s *SelfHostedSuite) TestStoreReturningOtherIdentityIsRejected() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		Return(&models.PlayerRecord{PersistentID: "someone-else", Username: "mallory"}, nil)
	r := s.newResolver(WithStore(mockStore))

	_, ok := r.ResolveUser(context.Background(), s.signer.Token(s.T(), "abc-123"))

	s.False(ok)
}

func (s *SelfHostedSuite) TestPanicInCollaboratorIsContained() {
	ctrl := gomock.NewController(s.T())
	mockVerifier := mocks.NewMockTokenVerifier(ctrl)
	mockVerifier.EXPECT().Verify(gomock.Any(), "tok").
		DoAndReturn(func(context.Context, string) (token.Result, error) {
			panic("verifier exploded")
		})
	r := s.newResolver(WithVerifier(mockVerifier))

	var (
		profile *models.UserProfile
		ok      bool
	)
	s.NotPanics(func() { profile, ok = r.ResolveUser(context.Background(), "tok") })
	s.False(ok)
	s.Nil(profile)
	s.Contains(s.logs.String(), `"failure_kind":"internal"`)
}

func (s *SelfHostedSuite) TestPanicInStoreIsContained() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		DoAndReturn(func(context.Context, string) (*models.PlayerRecord, error) {
			panic("store exploded")
		})
	r := s.newResolver(WithStore(mockStore))

	var (
		profile *models.UserProfile
		ok      bool
	)
	s.NotPanics(func() { profile, ok = r.ResolveUser(context.Background(), s.signer.Token(s.T(), "abc-123")) })
	s.False(ok)
	s.Nil(profile)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("internal", "store")))
	s.Contains(s.logs.String(), "store exploded")
}

func (s *SelfHostedSuite) TestVerifierLatencyIsLabelledVerifier() {
	r := s.newResolver()

	_, ok := r.ResolveUser(context.Background(), "0123456789abcdef0123456789abcdef0123")
	s.Require().False(ok)

	families, err := s.registry.Gather()
	s.Require().NoError(err)
	var sources []string
	for _, mf := range families {
		if mf.GetName() != "worldgate_identity_upstream_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "source" {
					sources = append(sources, l.GetValue())
				}
			}
		}
	}
	s.Contains(sources, "verifier")
	s.NotContains(sources, "keys")
}

func (s *SelfHostedSuite) TestCacheHitSkipsStore() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		Return(&models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}, nil).
		Times(1)
	r := s.newResolver(WithStore(mockStore), WithCache(s.cache, time.Minute))
	raw := s.signer.Token(s.T(), "abc-123")

	first, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)
	second, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)

	s.Equal(first, second)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.CacheLookups.WithLabelValues("self_hosted", "hit")))
}

func (s *SelfHostedSuite) TestUnavailableCacheDegradesToStore() {
	r := s.newResolver(WithCache(brokenCache{}, time.Minute))

	profile, ok := r.ResolveUser(context.Background(), s.signer.Token(s.T(), "abc-123"))

	s.Require().True(ok)
	s.Equal("alice", profile.User.Username)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.CacheLookups.WithLabelValues("self_hosted", "error")))
}

func (s *SelfHostedSuite) TestCancelledRequestIsDiscardedAndNotCached() {
	ctrl := gomock.NewController(s.T())
	mockStore := mocks.NewMockIdentityStore(ctrl)
	release := make(chan struct{})
	entered := make(chan struct{})
	mockStore.EXPECT().FindByPersistentID(gomock.Any(), "abc-123").
		DoAndReturn(func(context.Context, string) (*models.PlayerRecord, error) {
			close(entered)
			<-release
			return &models.PlayerRecord{PersistentID: "abc-123", Username: "alice"}, nil
		})
	r := s.newResolver(WithStore(mockStore), WithCache(s.cache, time.Minute))
	raw := s.signer.Token(s.T(), "abc-123")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := r.ResolveUser(ctx, raw)
		done <- ok
	}()
	<-entered
	cancel()

	s.False(<-done)
	close(release)
	s.Equal(0, s.cache.Len())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues("cancelled", "resolver")))
}

func (s *SelfHostedSuite) TestAlreadyCancelledContextShortCircuits() {
	ctrl := gomock.NewController(s.T())
	r := s.newResolver(WithVerifier(mocks.NewMockTokenVerifier(ctrl)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := r.ResolveUser(ctx, "anything")

	s.False(ok)
}

func (s *SelfHostedSuite) TestResolutionIsIdempotent() {
	r := s.newResolver(WithCache(s.cache, time.Minute))
	raw := s.signer.Token(s.T(), "abc-123")

	first, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)
	second, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)

	s.Equal(first, second)
	second.Player.Roles = append(second.Player.Roles, "admin")
	third, _ := r.ResolveUser(context.Background(), raw)
	s.Empty(third.Player.Roles)
}

func (s *SelfHostedSuite) TestConcurrentTokensResolveToTheirOwnIdentity() {
	const n = 32
	ctx := context.Background()
	raws := make([]string, n)
	for i := range n {
		id := fmt.Sprintf("player-%02d", i)
		s.Require().NoError(s.store.Create(ctx, &models.PlayerRecord{PersistentID: id, Username: "user-" + id}))
		raws[i] = s.signer.Token(s.T(), id)
	}
	r := s.newResolver(WithCache(s.cache, time.Minute))

	var wg sync.WaitGroup
	results := make([]*models.UserProfile, n*4)
	for i := range n * 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, ok := r.ResolveUser(ctx, raws[i%n])
			if ok {
				results[i] = p
			}
		}(i)
	}
	wg.Wait()

	for i, p := range results {
		id := fmt.Sprintf("player-%02d", i%n)
		s.Require().NotNil(p, "call %d", i)
		s.Equal(id, p.User.ID)
		s.Equal(id, p.Player.PublicID)
		s.Equal("user-"+id, p.User.Username)
	}
}

func (s *SelfHostedSuite) TestInvalidateDropsCachedProfile() {
	ctx := context.Background()
	ctrl := gomock.NewController(s.T())
	auditor := mocks.NewMockAuditPublisher(ctrl)
	auditor.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
		return e.Action == audit.ActionInvalidated && e.Subject == "abc-123"
	}))
	r := s.newResolver(WithCache(s.cache, time.Hour), WithAuditPublisher(auditor))
	raw := s.signer.Token(s.T(), "abc-123")

	_, ok := r.ResolveUser(ctx, raw)
	s.Require().True(ok)
	s.Require().NoError(s.store.Rename(ctx, "abc-123", "alice-the-great"))

	stale, _ := r.ResolveUser(ctx, raw)
	s.Equal("alice", stale.User.Username)

	s.Require().NoError(r.Invalidate(ctx, "abc-123"))
	fresh, ok := r.ResolveUser(ctx, raw)
	s.Require().True(ok)
	s.Equal("alice-the-great", fresh.User.Username)
}

func (s *SelfHostedSuite) TestRejectionIsAudited() {
	ctrl := gomock.NewController(s.T())
	auditor := mocks.NewMockAuditPublisher(ctrl)
	auditor.EXPECT().Emit(gomock.Any(), gomock.Cond(func(e audit.Event) bool {
		return e.Action == audit.ActionRejected &&
			e.Kind == string(KindSignatureInvalid) &&
			e.Mode == "self_hosted"
	}))
	r := s.newResolver(WithAuditPublisher(auditor))
	forger := tokens.NewSigner(s.T(), issuer, audience)

	_, ok := r.ResolveUser(context.Background(), forger.Token(s.T(), "abc-123"))

	s.False(ok)
}

type FederatedSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	provider *mocks.MockProfileProvider
	cache    *cache.InMemoryCache
	logs     *bytes.Buffer
	metrics  *metrics.Metrics
}

func TestFederatedSuite(t *testing.T) {
	suite.Run(t, new(FederatedSuite))
}

func (s *FederatedSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.provider = mocks.NewMockProfileProvider(s.ctrl)
	s.cache = cache.NewInMemory()
	s.logs = &bytes.Buffer{}
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
}

func (s *FederatedSuite) newResolver(opts ...Option) *Resolver {
	base := []Option{
		WithProvider(s.provider),
		WithLogger(slog.New(slog.NewJSONHandler(s.logs, nil))),
		WithMetrics(s.metrics),
	}
	r, err := New(models.ModeFederated, append(base, opts...)...)
	s.Require().NoError(err)
	return r
}

func federatedProfile(id string) *models.UserProfile {
	name := "Alice"
	return &models.UserProfile{
		User:   models.User{ID: id, Username: "alice", GlobalName: &name, Discriminator: "1234"},
		Player: models.Player{PublicID: id, Roles: []string{"moderator"}},
	}
}

func (s *FederatedSuite) TestProviderProfileReturnedWithoutLocalVerification() {
	s.provider.EXPECT().Me(gomock.Any(), "opaque-provider-token").Return(federatedProfile("fed-1"), nil)
	r := s.newResolver()

	profile, ok := r.ResolveUser(context.Background(), "opaque-provider-token")

	s.Require().True(ok)
	s.Equal(federatedProfile("fed-1"), profile)
}

func (s *FederatedSuite) TestProviderFailuresAreNotAuthenticated() {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"unauthorized", &provider.Error{Category: provider.ErrorRejected, StatusCode: 401}, KindCredentialRejected},
		{"not found", &provider.Error{Category: provider.ErrorNotFound, StatusCode: 404}, KindIdentityNotFound},
		{"timeout", &provider.Error{Category: provider.ErrorTimeout}, KindUpstreamUnavailable},
		{"outage", &provider.Error{Category: provider.ErrorOutage, StatusCode: 502}, KindUpstreamUnavailable},
		{"unclassified", errors.New("boom"), KindUpstreamUnavailable},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			s.provider.EXPECT().Me(gomock.Any(), "tok").Return(nil, tc.err)
			r := s.newResolver()

			profile, ok := r.ResolveUser(context.Background(), "tok")

			s.False(ok)
			s.Nil(profile)
			s.Equal(1.0, testutil.ToFloat64(s.metrics.Failures.WithLabelValues(string(tc.kind), "provider")))
		})
	}
}

func (s *FederatedSuite) TestSchemaMismatchIsLoggedWithoutToken() {
	raw := "secret-bearer-credential"
	s.provider.EXPECT().Me(gomock.Any(), raw).Return(nil, &provider.Error{
		Category:   provider.ErrorBadData,
		StatusCode: 200,
		Underlying: &models.SchemaError{Issues: []string{"user.username: required"}},
	})
	r := s.newResolver()

	_, ok := r.ResolveUser(context.Background(), raw)

	s.False(ok)
	s.Contains(s.logs.String(), "failed schema validation")
	s.Contains(s.logs.String(), "user.username: required")
	s.NotContains(s.logs.String(), raw)
}

func (s *FederatedSuite) TestEmptyTokenNeverCallsProvider() {
	r := s.newResolver()

	_, ok := r.ResolveUser(context.Background(), "")

	s.False(ok)
}

func (s *FederatedSuite) TestCacheKeysNeverContainRawToken() {
	raw := "bearer-that-must-not-be-stored"
	hasher := cache.NewHasher([]byte("cache-key-secret"))
	s.provider.EXPECT().Me(gomock.Any(), raw).Return(federatedProfile("fed-1"), nil).Times(1)
	r := s.newResolver(WithCache(s.cache, time.Minute), WithTokenHasher(hasher))

	first, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)
	second, ok := r.ResolveUser(context.Background(), raw)
	s.Require().True(ok)

	s.Equal(first, second)
	_, err := s.cache.Get(context.Background(), hasher.TokenKey(raw))
	s.NoError(err)
	_, err = s.cache.Get(context.Background(), raw)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.False(strings.Contains(hasher.TokenKey(raw), raw))
}

func TestNewValidatesModeCollaborators(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := mocks.NewMockTokenVerifier(ctrl)
	idStore := mocks.NewMockIdentityStore(ctrl)
	prov := mocks.NewMockProfileProvider(ctrl)
	memCache := cache.NewInMemory()

	cases := []struct {
		name string
		mode models.Mode
		opts []Option
		ok   bool
	}{
		{"self-hosted complete", models.ModeSelfHosted, []Option{WithVerifier(verifier), WithStore(idStore)}, true},
		{"self-hosted without store", models.ModeSelfHosted, []Option{WithVerifier(verifier)}, false},
		{"self-hosted without verifier", models.ModeSelfHosted, []Option{WithStore(idStore)}, false},
		{"federated complete", models.ModeFederated, []Option{WithProvider(prov)}, true},
		{"federated without provider", models.ModeFederated, nil, false},
		{"federated cache without hasher", models.ModeFederated, []Option{WithProvider(prov), WithCache(memCache, time.Minute)}, false},
		{"zero cache ttl", models.ModeSelfHosted, []Option{WithVerifier(verifier), WithStore(idStore), WithCache(memCache, 0)}, false},
		{"unknown mode", models.Mode("hybrid"), []Option{WithProvider(prov)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(tc.mode, tc.opts...)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.mode, r.Mode())
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, sentinel.ErrInvalidState)
		})
	}
}

func TestFailureMapping(t *testing.T) {
	assert.Equal(t, KindIdentityNotFound, fromStore(sentinel.ErrNotFound).Kind)
	assert.Equal(t, KindUpstreamUnavailable, fromStore(errors.New("conn reset")).Kind)
	assert.Equal(t, KindUpstreamUnavailable, fromVerifier(&token.Error{Code: token.CodeKeyUnavailable}).Kind)
	assert.Equal(t, SourceKeys, fromVerifier(&token.Error{Code: token.CodeKeyUnavailable}).Source)
	assert.Equal(t, KindSignatureInvalid, fromVerifier(&token.Error{Code: token.CodeSignatureInvalid}).Kind)
	assert.Equal(t, KindClaimsInvalid, fromProvider(&provider.Error{Category: provider.ErrorBadData}).Kind)
	assert.True(t, fromStore(errors.New("down")).Dependency())
	assert.False(t, fromStore(sentinel.ErrNotFound).Dependency())
}
