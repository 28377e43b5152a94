package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newMockProvider(t *testing.T, hint string) (*OIDCProvider, *mockoidc.MockOIDC) {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown()
	})

	cfg := &Config{
		Name:         "mock",
		Issuer:       m.Issuer(),
		ClientID:     m.Config().ClientID,
		ClientSecret: m.Config().ClientSecret,
		RedirectURI:  "http://localhost:8080/oauth/callback",
		ProviderHint: hint,
	}

	p, err := NewOIDCProvider(context.Background(), cfg)
	require.NoError(t, err)
	return p, m
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg: Config{
				Issuer:      "https://idp.example.com",
				ClientID:    "tidp",
				RedirectURI: "https://auth.example.com/oauth/callback",
			},
		},
		{
			name:    "missing issuer",
			cfg:     Config{ClientID: "tidp", RedirectURI: "https://auth.example.com/cb"},
			wantErr: "issuer is required",
		},
		{
			name:    "malformed issuer",
			cfg:     Config{Issuer: "not a url", ClientID: "tidp", RedirectURI: "https://auth.example.com/cb"},
			wantErr: "invalid issuer URL",
		},
		{
			name:    "missing client ID",
			cfg:     Config{Issuer: "https://idp.example.com", RedirectURI: "https://auth.example.com/cb"},
			wantErr: "client ID is required",
		},
		{
			name:    "missing redirect URI",
			cfg:     Config{Issuer: "https://idp.example.com", ClientID: "tidp"},
			wantErr: "redirect URI is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	p, _ := newMockProvider(t, "corporate-idp")

	verifier := oauth2.GenerateVerifier()
	rawURL, err := p.AuthorizationURL("state-1", verifier, "nonce-1")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "corporate-idp", q.Get(DefaultProviderHintParam))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestAuthorizationURL_NoHint(t *testing.T) {
	t.Parallel()

	p, _ := newMockProvider(t, "")

	rawURL, err := p.AuthorizationURL("state-1", oauth2.GenerateVerifier(), "nonce-1")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get(DefaultProviderHintParam))

	_, err = p.AuthorizationURL("", oauth2.GenerateVerifier(), "nonce-1")
	assert.Error(t, err)
}

// authorizeAndCapture drives the mock IdP's authorization endpoint and
// returns the code from the callback redirect.
func authorizeAndCapture(t *testing.T, authURL string) string {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestExchangeCodeForIdentity(t *testing.T) {
	t.Parallel()

	p, m := newMockProvider(t, "")
	m.QueueUser(&mockoidc.MockUser{
		Subject:           "idp|123",
		Email:             "mo@example.com",
		PreferredUsername: "mo@example.com",
	})

	verifier := oauth2.GenerateVerifier()
	authURL, err := p.AuthorizationURL("state-1", verifier, "nonce-1")
	require.NoError(t, err)

	code := authorizeAndCapture(t, authURL)

	identity, err := p.ExchangeCodeForIdentity(context.Background(), code, verifier, "nonce-1")
	require.NoError(t, err)

	assert.Equal(t, "idp|123", identity.Subject)
	assert.Equal(t, "mo@example.com", identity.Claims["preferred_username"])
	assert.NotEmpty(t, identity.Tokens.AccessToken)
	assert.NotEmpty(t, identity.Tokens.IDToken)
}

// subjectUser is a mock IdP user whose userinfo response includes the sub
// claim, which mockoidc.MockUser omits.
type subjectUser struct {
	*mockoidc.MockUser
}

func (u *subjectUser) Userinfo([]string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"sub":    u.Subject,
		"email":  u.Email,
		"locale": "en-AU",
	})
}

func TestFetchUserInfo(t *testing.T) {
	t.Parallel()

	p, m := newMockProvider(t, "")
	m.QueueUser(&subjectUser{MockUser: &mockoidc.MockUser{
		Subject: "idp|123",
		Email:   "mo@example.com",
	}})

	verifier := oauth2.GenerateVerifier()
	authURL, err := p.AuthorizationURL("state-1", verifier, "nonce-1")
	require.NoError(t, err)

	code := authorizeAndCapture(t, authURL)

	identity, err := p.ExchangeCodeForIdentity(context.Background(), code, verifier, "nonce-1")
	require.NoError(t, err)

	// Userinfo claims absent from the ID token were merged into the identity.
	assert.Equal(t, "en-AU", identity.Claims["locale"])

	claims, err := p.FetchUserInfo(context.Background(), identity.Tokens.AccessToken, "idp|123")
	require.NoError(t, err)
	assert.Equal(t, "idp|123", claims["sub"])
	assert.Equal(t, "mo@example.com", claims["email"])

	_, err = p.FetchUserInfo(context.Background(), identity.Tokens.AccessToken, "someone-else")
	assert.ErrorIs(t, err, ErrSubjectMismatch)

	_, err = p.FetchUserInfo(context.Background(), "not-a-token", "idp|123")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubjectMismatch)
}

func TestFetchUserInfo_MissingSubjectTolerated(t *testing.T) {
	t.Parallel()

	p, m := newMockProvider(t, "")
	m.QueueUser(&mockoidc.MockUser{
		Subject:           "idp|123",
		PreferredUsername: "mo@example.com",
	})

	verifier := oauth2.GenerateVerifier()
	authURL, err := p.AuthorizationURL("state-1", verifier, "nonce-1")
	require.NoError(t, err)

	code := authorizeAndCapture(t, authURL)

	// mockoidc's stock userinfo carries no sub claim; the login must still
	// succeed on the ID token claims alone.
	identity, err := p.ExchangeCodeForIdentity(context.Background(), code, verifier, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "idp|123", identity.Subject)
	assert.Equal(t, "mo@example.com", identity.Claims["preferred_username"])

	_, err = p.FetchUserInfo(context.Background(), identity.Tokens.AccessToken, "idp|123")
	assert.ErrorIs(t, err, ErrSubjectMissing)
}

func TestExchangeCodeForIdentity_NonceMismatch(t *testing.T) {
	t.Parallel()

	p, m := newMockProvider(t, "")
	m.QueueUser(&mockoidc.MockUser{Subject: "idp|123"})

	verifier := oauth2.GenerateVerifier()
	authURL, err := p.AuthorizationURL("state-1", verifier, "nonce-sent")
	require.NoError(t, err)

	code := authorizeAndCapture(t, authURL)

	_, err = p.ExchangeCodeForIdentity(context.Background(), code, verifier, "nonce-expected")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestValidateEndpointOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		issuer   string
		wantErr  bool
	}{
		{
			name:     "https endpoint for https issuer",
			endpoint: "https://oauth2.example.com/token",
			issuer:   "https://idp.example.com",
		},
		{
			name:     "http endpoint for https issuer rejected",
			endpoint: "http://oauth2.example.com/token",
			issuer:   "https://idp.example.com",
			wantErr:  true,
		},
		{
			name:     "localhost issuer allows http",
			endpoint: "http://localhost:9090/token",
			issuer:   "http://localhost:9090",
		},
		{
			name:     "localhost issuer rejects remote endpoint",
			endpoint: "https://evil.example.com/token",
			issuer:   "http://localhost:9090",
			wantErr:  true,
		},
		{
			name:     "bracketed IPv6 localhost issuer without port",
			endpoint: "http://[::1]:9090/token",
			issuer:   "http://[::1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateEndpointOrigin(tt.endpoint, tt.issuer)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
