// Package upstream federates authentication to the configured upstream
// OpenID Connect identity provider.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultProviderHintParam is the query parameter used to pre-select an
// identity provider at the upstream (Keycloak convention).
const DefaultProviderHintParam = "kc_idp_hint"

// Tokens holds the token response from the upstream provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Identity is a verified upstream identity: the stable subject plus the full
// ID token claim set for downstream mapping.
type Identity struct {
	Subject string
	Claims  map[string]any
	Tokens  Tokens
}

// Provider abstracts the upstream identity provider for the handlers.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// AuthorizationURL builds the redirect sending the user agent upstream.
	// The codeVerifier is the PKCE verifier whose S256 challenge is sent;
	// the nonce binds the resulting ID token to this flow.
	AuthorizationURL(state, codeVerifier, nonce string) (string, error)

	// ExchangeCodeForIdentity redeems the upstream code and verifies the
	// returned ID token, including its nonce.
	ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)

	// RefreshTokens refreshes the upstream tokens. A refreshed ID token, if
	// present, must carry the expected subject.
	RefreshTokens(ctx context.Context, refreshToken, expectedSubject string) (*Tokens, error)
}

// Config describes the upstream provider connection.
type Config struct {
	// Name identifies the provider in logs and configuration.
	Name string

	// Issuer is the upstream's base URL; endpoints are discovered from
	// {Issuer}/.well-known/openid-configuration.
	Issuer string

	// ClientID and ClientSecret are this server's credentials at the
	// upstream.
	ClientID     string
	ClientSecret string

	// Scopes requested upstream. Defaults to openid, profile, email.
	Scopes []string

	// RedirectURI is this server's callback endpoint, registered at the
	// upstream.
	RedirectURI string

	// ProviderHintParam and ProviderHint pre-select an identity provider at
	// the upstream on every challenge redirect. The param defaults to
	// kc_idp_hint when a hint is set.
	ProviderHintParam string
	ProviderHint      string
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid issuer URL: %q", c.Issuer)
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	return nil
}
