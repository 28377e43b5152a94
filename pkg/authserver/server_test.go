package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/upstream"
)

// stubUpstream is a canned upstream.Provider for server wiring tests.
type stubUpstream struct {
	identity upstream.Identity
	state    string
}

var _ upstream.Provider = (*stubUpstream)(nil)

func (s *stubUpstream) Name() string { return "stub" }

func (s *stubUpstream) AuthorizationURL(state, _, _ string) (string, error) {
	s.state = state
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state), nil
}

func (s *stubUpstream) ExchangeCodeForIdentity(_ context.Context, _, _, _ string) (*upstream.Identity, error) {
	return &s.identity, nil
}

func (s *stubUpstream) RefreshTokens(_ context.Context, _, _ string) (*upstream.Tokens, error) {
	return &s.identity.Tokens, nil
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{
		identity: upstream.Identity{
			Subject: "idp|abc",
			Claims: map[string]any{
				"sub":                "idp|abc",
				"preferred_username": "dev@example.com",
				"name":               "Dev User",
			},
			Tokens: upstream.Tokens{
				AccessToken: "upstream-at",
				IDToken:     "upstream-idt",
				ExpiresAt:   time.Now().Add(time.Hour),
			},
		},
	}
}

func newTestServer(t *testing.T) (*server, *stubUpstream) {
	t.Helper()

	cfg := validConfig(t)
	cfg.Client.Scopes = map[string]string{
		"openid":         "OpenID Connect",
		"offline_access": "Refresh tokens",
	}

	stub := newStubUpstream()
	stor := storage.NewMemoryStorage()

	srv, err := newServer(context.Background(), cfg, stor,
		withUpstreamFactory(func(_ context.Context, _ *upstream.Config) (upstream.Provider, error) {
			return stub, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return srv, stub
}

func TestNewServer_RequiresValidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.Issuer = ""

	_, err := newServer(context.Background(), cfg, storage.NewMemoryStorage())
	assert.ErrorContains(t, err, "issuer")
}

func TestNewServer_RequiresStorage(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	_, err := newServer(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestServer_EndToEndAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	srv, stub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Authorize without a session lands on the upstream challenge.
	q := url.Values{
		"client_id":     {"alanta"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid offline_access"},
		"state":         {"client-state"},
	}
	resp, err := client.Get(ts.URL + "/oauth/authorize?" + q.Encode())
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "idp.example.com", loc.Host)
	require.NotEmpty(t, stub.state)

	// The upstream callback establishes a session and redirects back to the
	// client with a code.
	cb := url.Values{
		"code":  {"upstream-code"},
		"state": {stub.state},
	}
	resp, err = client.Get(ts.URL + "/oauth/callback?" + cb.Encode())
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", loc.Host)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "client-state", loc.Query().Get("state"))

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	// The code exchanges for a signed JWT access token, with a refresh token
	// because offline_access is granted.
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://app.example.com/cb"},
		"client_id":    {"alanta"},
	}
	resp, err = client.Post(ts.URL+"/oauth/token",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	assert.Len(t, strings.Split(tr.AccessToken, "."), 3)
	assert.NotEmpty(t, tr.RefreshToken)
	assert.Contains(t, tr.Scope, "offline_access")

	// A follow-up authorize with the session cookie skips the upstream.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/oauth/authorize?"+q.Encode(), nil)
	require.NoError(t, err)
	req.AddCookie(sessionCookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestServer_ServesDiscoveryDocuments(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{
		"/.well-known/openid-configuration",
		"/.well-known/oauth-authorization-server",
		"/.well-known/jwks.json",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
