package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/session"
)

func newRedisTestStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "tidp:")
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, mr
}

func TestRedisStorage_ClientRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := newRedisTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterClient(ctx, newTestClient()))

	for _, id := range []string{"alanta", "ALANTA"} {
		client, err := s.GetClient(ctx, id)
		require.NoError(t, err, "lookup with %q", id)
		assert.Equal(t, "alanta", client.GetID())
		assert.True(t, client.IsPublic())
		assert.Equal(t, []string{"https://app.example.com/cb"}, client.GetRedirectURIs())
	}

	_, err := s.GetClient(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_AuthorizeCodeLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := newRedisTestStorage(t)
	ctx := context.Background()
	client := newTestClient()
	require.NoError(t, s.RegisterClient(ctx, client))

	req := newTestRequester("req-1", client)
	req.GrantScope("openid")

	require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-1", req))

	got, err := s.GetAuthorizeCodeSession(ctx, "code-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())
	assert.Equal(t, "alanta", got.GetClient().GetID())
	assert.Contains(t, got.GetGrantedScopes(), "openid")
	assert.Equal(t, "user@example.com", got.GetSession().GetSubject())

	require.NoError(t, s.InvalidateAuthorizeCodeSession(ctx, "code-1"))
	got, err = s.GetAuthorizeCodeSession(ctx, "code-1", nil)
	assert.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
	require.NotNil(t, got)
}

func TestRedisStorage_PreservesJWTSession(t *testing.T) {
	t.Parallel()

	s, _ := newRedisTestStorage(t)
	ctx := context.Background()
	client := newTestClient()
	require.NoError(t, s.RegisterClient(ctx, client))

	req := newTestRequester("req-jwt", client)
	sess, ok := req.Session.(*session.Session)
	require.True(t, ok)
	sess.AttachIdentity("user@example.com", "Test User")
	sess.SetUsername("user@example.com")
	accessExpiry := time.Now().Add(time.Hour)
	sess.SetExpiresAt(fosite.AccessToken, accessExpiry)

	require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-jwt", req))

	got, err := s.GetAuthorizeCodeSession(ctx, "code-jwt", nil)
	require.NoError(t, err)

	// The token endpoint's JWT strategy requires the stored session to carry
	// its claims container.
	_, ok = got.GetSession().(oauth2.JWTSessionContainer)
	require.True(t, ok)

	restored, ok := got.GetSession().(*session.Session)
	require.True(t, ok)
	assert.Equal(t, "user@example.com", restored.GetSubject())
	assert.Equal(t, "user@example.com", restored.GetUsername())
	assert.Equal(t, "fs-1", restored.FederatedSessionID)
	assert.Equal(t, "user@example.com", restored.JWTClaims.Extra[session.EmailClaimKey])
	assert.Equal(t, "Test User", restored.JWTClaims.Extra[session.NameClaimKey])
	assert.Equal(t, "fs-1", restored.JWTClaims.Extra[session.FederatedSessionClaimKey])
	assert.WithinDuration(t, accessExpiry, restored.GetExpiresAt(fosite.AccessToken), time.Second)
}

func TestRedisStorage_KeyPrefixSeparator(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// A prefix without a trailing separator gets one.
	s := NewRedisStorageWithClient(client, "tidp")
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	require.NoError(t, s.RegisterClient(context.Background(), newTestClient()))
	assert.True(t, mr.Exists("tidp:client:alanta"))
}

func TestRedisStorage_AccessTokenIndexing(t *testing.T) {
	t.Parallel()

	s, _ := newRedisTestStorage(t)
	ctx := context.Background()
	client := newTestClient()
	require.NoError(t, s.RegisterClient(ctx, client))

	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-1", newTestRequester("grant-1", client)))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-2", newTestRequester("grant-1", client)))

	// Revoking by request ID removes everything the grant produced.
	require.NoError(t, s.RevokeAccessToken(ctx, "grant-1"))

	_, err := s.GetAccessTokenSession(ctx, "a-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "a-2", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_RefreshTokenRotation(t *testing.T) {
	t.Parallel()

	s, _ := newRedisTestStorage(t)
	ctx := context.Background()
	client := newTestClient()
	require.NoError(t, s.RegisterClient(ctx, client))

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "r-1", "a-1", newTestRequester("grant-1", client)))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-1", newTestRequester("grant-1", client)))

	require.NoError(t, s.RotateRefreshToken(ctx, "grant-1", "r-1"))

	_, err := s.GetRefreshTokenSession(ctx, "r-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "a-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_TokenExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newRedisTestStorage(t)
	ctx := context.Background()
	client := newTestClient()
	require.NoError(t, s.RegisterClient(ctx, client))

	req := newTestRequester("req-1", client)
	req.Session.SetExpiresAt(fosite.AccessToken, time.Now().Add(time.Minute))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-1", req))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetAccessTokenSession(ctx, "a-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_PendingAuthorizations(t *testing.T) {
	t.Parallel()

	s, mr := newRedisTestStorage(t)
	ctx := context.Background()

	pending := &PendingAuthorization{
		ClientID:         "alanta",
		RedirectURI:      "https://app.example.com/cb",
		State:            "client-state",
		Scopes:           []string{"openid"},
		InternalState:    "internal-state",
		UpstreamVerifier: "verifier",
		UpstreamNonce:    "upstream-nonce",
		CreatedAt:        time.Now(),
	}

	require.NoError(t, s.StorePendingAuthorization(ctx, "internal-state", pending))

	got, err := s.LoadPendingAuthorization(ctx, "internal-state")
	require.NoError(t, err)
	assert.Equal(t, pending.ClientID, got.ClientID)
	assert.Equal(t, pending.UpstreamVerifier, got.UpstreamVerifier)

	mr.FastForward(DefaultPendingAuthorizationTTL + time.Minute)
	_, err = s.LoadPendingAuthorization(ctx, "internal-state")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_FederatedSessions(t *testing.T) {
	t.Parallel()

	s, mr := newRedisTestStorage(t)
	ctx := context.Background()

	fs := &FederatedSession{
		ID:              "fs-1",
		Subject:         "idp|123",
		Email:           "user@example.com",
		Name:            "User Example",
		IDToken:         "id-token",
		AuthenticatedAt: time.Now(),
		ExpiresAt:       time.Now().Add(time.Hour),
	}

	require.NoError(t, s.StoreFederatedSession(ctx, fs))

	got, err := s.GetFederatedSession(ctx, "fs-1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "idp|123", got.Subject)

	require.NoError(t, s.DeleteFederatedSession(ctx, "fs-1"))
	_, err = s.GetFederatedSession(ctx, "fs-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Expiry enforced by the Redis key TTL.
	require.NoError(t, s.StoreFederatedSession(ctx, &FederatedSession{
		ID:        "fs-2",
		ExpiresAt: time.Now().Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)
	_, err = s.GetFederatedSession(ctx, "fs-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_Health(t *testing.T) {
	t.Parallel()

	s, mr := newRedisTestStorage(t)
	require.NoError(t, s.Health(context.Background()))

	mr.Close()
	assert.Error(t, s.Health(context.Background()))
}
