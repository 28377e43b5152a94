package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/session"
)

func newTestClient() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            "alanta",
		RedirectURIs:  []string{"https://app.example.com/cb"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scopes:        []string{"openid", "profile", "offline_access"},
		Public:        true,
	}
}

func newTestRequester(id string, client fosite.Client) *fosite.Request {
	req := fosite.NewRequest()
	req.ID = id
	req.Client = client
	req.Session = session.New("user@example.com", "fs-1", client.GetID())
	return req
}

func newTestStorage(t *testing.T) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage()
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestMemoryStorage_ClientLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterClient(ctx, newTestClient()))

	for _, id := range []string{"alanta", "ALANTA", "Alanta"} {
		client, err := s.GetClient(ctx, id)
		require.NoError(t, err, "lookup with %q", id)
		assert.Equal(t, "alanta", client.GetID())
	}

	_, err := s.GetClient(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_AuthorizeCodeLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	req := newTestRequester("req-1", newTestClient())

	require.NoError(t, s.CreateAuthorizeCodeSession(ctx, "code-1", req))

	got, err := s.GetAuthorizeCodeSession(ctx, "code-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	// Replay after invalidation must surface the original request.
	require.NoError(t, s.InvalidateAuthorizeCodeSession(ctx, "code-1"))
	got, err = s.GetAuthorizeCodeSession(ctx, "code-1", nil)
	assert.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.GetID())

	_, err = s.GetAuthorizeCodeSession(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.CreateAuthorizeCodeSession(ctx, "", req))
	assert.Error(t, s.CreateAuthorizeCodeSession(ctx, "code-2", nil))
}

func TestMemoryStorage_AccessTokens(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	req := newTestRequester("req-1", newTestClient())

	require.NoError(t, s.CreateAccessTokenSession(ctx, "sig-1", req))

	got, err := s.GetAccessTokenSession(ctx, "sig-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeleteAccessTokenSession(ctx, "sig-1"))
	_, err = s.GetAccessTokenSession(ctx, "sig-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteAccessTokenSession(ctx, "sig-1"), ErrNotFound)
}

func TestMemoryStorage_RefreshTokenRotation(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	req := newTestRequester("req-1", newTestClient())

	require.NoError(t, s.CreateRefreshTokenSession(ctx, "refresh-1", "access-1", req))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "access-1", req))

	require.NoError(t, s.RotateRefreshToken(ctx, "req-1", "refresh-1"))

	_, err := s.GetRefreshTokenSession(ctx, "refresh-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "access-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_RevokeByRequestID(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	client := newTestClient()

	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-1", newTestRequester("grant-1", client)))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-2", newTestRequester("grant-1", client)))
	require.NoError(t, s.CreateAccessTokenSession(ctx, "a-3", newTestRequester("grant-2", client)))
	require.NoError(t, s.CreateRefreshTokenSession(ctx, "r-1", "", newTestRequester("grant-1", client)))

	require.NoError(t, s.RevokeAccessToken(ctx, "grant-1"))
	require.NoError(t, s.RevokeRefreshToken(ctx, "grant-1"))

	_, err := s.GetAccessTokenSession(ctx, "a-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessTokenSession(ctx, "a-2", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshTokenSession(ctx, "r-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// Other grants untouched.
	_, err = s.GetAccessTokenSession(ctx, "a-3", nil)
	assert.NoError(t, err)
}

func TestMemoryStorage_PKCERequests(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	req := newTestRequester("req-1", newTestClient())

	require.NoError(t, s.CreatePKCERequestSession(ctx, "pkce-1", req))

	got, err := s.GetPKCERequestSession(ctx, "pkce-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, s.DeletePKCERequestSession(ctx, "pkce-1"))
	_, err = s.GetPKCERequestSession(ctx, "pkce-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_PendingAuthorizations(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	pending := &PendingAuthorization{
		ClientID:         "alanta",
		RedirectURI:      "https://app.example.com/cb",
		State:            "client-state",
		PKCEChallenge:    "challenge",
		PKCEMethod:       "S256",
		Scopes:           []string{"openid", "profile"},
		Nonce:            "client-nonce",
		InternalState:    "internal-state",
		UpstreamVerifier: "verifier",
		UpstreamNonce:    "upstream-nonce",
		CreatedAt:        time.Now(),
	}

	require.NoError(t, s.StorePendingAuthorization(ctx, "internal-state", pending))

	got, err := s.LoadPendingAuthorization(ctx, "internal-state")
	require.NoError(t, err)
	assert.Equal(t, pending.ClientID, got.ClientID)
	assert.Equal(t, pending.Scopes, got.Scopes)
	assert.Equal(t, pending.UpstreamVerifier, got.UpstreamVerifier)

	// Stored record must not alias the caller's slice.
	pending.Scopes[0] = "mutated"
	got, err = s.LoadPendingAuthorization(ctx, "internal-state")
	require.NoError(t, err)
	assert.Equal(t, "openid", got.Scopes[0])

	require.NoError(t, s.DeletePendingAuthorization(ctx, "internal-state"))
	_, err = s.LoadPendingAuthorization(ctx, "internal-state")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.StorePendingAuthorization(ctx, "", pending))
	assert.Error(t, s.StorePendingAuthorization(ctx, "state", nil))
}

func TestMemoryStorage_FederatedSessions(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	fs := &FederatedSession{
		ID:              "fs-1",
		Subject:         "idp|123",
		Email:           "user@example.com",
		Name:            "User Example",
		IDToken:         "id-token",
		AccessToken:     "access-token",
		AuthenticatedAt: time.Now(),
		ExpiresAt:       time.Now().Add(time.Hour),
	}

	require.NoError(t, s.StoreFederatedSession(ctx, fs))

	got, err := s.GetFederatedSession(ctx, "fs-1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "User Example", got.Name)

	require.NoError(t, s.DeleteFederatedSession(ctx, "fs-1"))
	_, err = s.GetFederatedSession(ctx, "fs-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.StoreFederatedSession(ctx, nil))
	assert.Error(t, s.StoreFederatedSession(ctx, &FederatedSession{}))
}

func TestMemoryStorage_FederatedSessionExpiry(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.StoreFederatedSession(ctx, &FederatedSession{
		ID:        "fs-expired",
		Email:     "user@example.com",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := s.GetFederatedSession(ctx, "fs-expired")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryStorage_CleanupSweepsExpiredEntries(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage(WithCleanupInterval(20 * time.Millisecond))
	defer func() {
		require.NoError(t, s.Close())
	}()

	ctx := context.Background()
	req := newTestRequester("req-1", newTestClient())
	req.Session.SetExpiresAt(fosite.AccessToken, time.Now().Add(-time.Minute))

	require.NoError(t, s.CreateAccessTokenSession(ctx, "stale", req))
	require.NoError(t, s.StoreFederatedSession(ctx, &FederatedSession{
		ID:        "fs-stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	assert.Eventually(t, func() bool {
		stats := s.Stats()
		return stats.AccessTokens == 0 && stats.FederatedSessions == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStorage_ClientAssertionJWT(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-1"))
	require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, s.ClientAssertionJWTValid(ctx, "jti-1"), fosite.ErrJTIKnown)

	// Expired JTIs are usable again.
	require.NoError(t, s.SetClientAssertionJWT(ctx, "jti-2", time.Now().Add(-time.Minute)))
	assert.NoError(t, s.ClientAssertionJWTValid(ctx, "jti-2"))
}
