package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// ErrNonceMismatch is returned when the ID token nonce does not match the
// value sent in the authorization request.
var ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

// ErrNonceMissing is returned when a nonce was sent but the ID token carries
// none.
var ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")

// ErrSubjectMismatch is returned when a refreshed ID token or a userinfo
// response carries a different subject than the original login. Per OIDC
// Core Sections 12.2 and 5.3.4 the sub claim must stay identical.
var ErrSubjectMismatch = errors.New("ID token subject does not match expected value")

// ErrSubjectMissing is returned when a userinfo response carries no sub
// claim, leaving its claims unverifiable against the ID token. Some
// providers omit it; callers treat this as the supplement being unavailable
// rather than a failed login.
var ErrSubjectMissing = errors.New("userinfo response missing sub claim")

// OIDCProvider implements Provider against any OIDC-compliant upstream,
// discovering its endpoints and verifying its ID tokens with go-oidc.
type OIDCProvider struct {
	cfg          *Config
	httpClient   *http.Client
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	endSession   string
}

// OIDCProviderOption configures an OIDCProvider.
type OIDCProviderOption func(*OIDCProvider)

// WithHTTPClient sets a custom HTTP client, used for discovery, token
// exchange and JWKS fetches.
func WithHTTPClient(client *http.Client) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// discoveryClaims captures the extra discovery fields go-oidc does not
// validate itself.
type discoveryClaims struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// NewOIDCProvider performs discovery against the configured issuer and
// builds the OAuth2 client for the code exchange.
func NewOIDCProvider(ctx context.Context, cfg *Config, opts ...OIDCProviderOption) (*OIDCProvider, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	p := &OIDCProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	// go-oidc validates the issuer but not endpoint origins; a rogue
	// discovery document must not be able to downgrade token requests to
	// plain HTTP.
	var claims discoveryClaims
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	for field, endpoint := range map[string]string{
		"authorization_endpoint": claims.AuthorizationEndpoint,
		"token_endpoint":         claims.TokenEndpoint,
		"jwks_uri":               claims.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, cfg.Issuer); err != nil {
			return nil, fmt.Errorf("%s origin mismatch: %w", field, err)
		}
	}
	p.endSession = claims.EndSessionEndpoint

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required for the upstream provider")
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	p.oauth2Config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}

	p.provider = provider
	p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	logger.Debugw("upstream provider ready",
		"name", cfg.Name,
		"issuer", cfg.Issuer,
		"has_provider_hint", cfg.ProviderHint != "",
	)

	return p, nil
}

// Name identifies the provider.
func (p *OIDCProvider) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return p.cfg.Issuer
}

// AuthorizationURL builds the challenge redirect, attaching the PKCE
// challenge, nonce and the fixed provider hint.
func (p *OIDCProvider) AuthorizationURL(state, codeVerifier, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(codeVerifier),
		oidc.Nonce(nonce),
	}
	if p.cfg.ProviderHint != "" {
		param := p.cfg.ProviderHintParam
		if param == "" {
			param = DefaultProviderHintParam
		}
		authOpts = append(authOpts, oauth2.SetAuthURLParam(param, p.cfg.ProviderHint))
	}

	return p.oauth2Config.AuthCodeURL(state, authOpts...), nil
}

// ExchangeCodeForIdentity redeems the upstream code and verifies the
// returned ID token. Per OIDC Core Section 3.1.3.3 the ID token must be
// present; the nonce check prevents replay (Section 3.1.3.7).
func (p *OIDCProvider) ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)

	token, err := p.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("upstream token response missing ID token")
	}

	idToken, err := p.verifyIDToken(ctx, rawIDToken, nonce)
	if err != nil {
		logger.Debugw("upstream ID token validation failed", "error", err)
		return nil, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	// Userinfo claims supplement (never override) the ID token claims. A
	// subject mismatch fails the login; an unavailable endpoint does not.
	userClaims, err := p.FetchUserInfo(ctx, token.AccessToken, idToken.Subject)
	switch {
	case errors.Is(err, ErrSubjectMismatch):
		return nil, err
	case err != nil:
		logger.Debugw("userinfo fetch skipped", "error", err)
	default:
		for k, v := range userClaims {
			if _, ok := claims[k]; !ok {
				claims[k] = v
			}
		}
	}

	logger.Debugw("upstream code exchange successful",
		"subject", idToken.Subject,
		"has_refresh_token", token.RefreshToken != "",
	)

	return &Identity{
		Subject: idToken.Subject,
		Claims:  claims,
		Tokens: Tokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			IDToken:      rawIDToken,
			ExpiresAt:    token.Expiry,
		},
	}, nil
}

// RefreshTokens refreshes the upstream tokens. A refreshed ID token, when
// present, is verified and its subject compared against the original login.
func (p *OIDCProvider) RefreshTokens(ctx context.Context, refreshToken, expectedSubject string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	source := p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream token refresh failed: %w", err)
	}

	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}

	// Refresh responses may include a new ID token (OIDC Core Section 12.2).
	// Nonce validation is deliberately skipped here since no authorization
	// request exists to provide one.
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := p.verifyIDToken(ctx, rawIDToken, "")
		if err != nil {
			return nil, err
		}
		if expectedSubject != "" && idToken.Subject != expectedSubject {
			return nil, ErrSubjectMismatch
		}
		tokens.IDToken = rawIDToken
	}

	return tokens, nil
}

// FetchUserInfo queries the upstream userinfo endpoint with the given access
// token. The returned subject must match the ID token's subject per OIDC
// Core Section 5.3.4; a response without a sub claim yields
// ErrSubjectMissing.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, accessToken, expectedSubject string) (map[string]any, error) {
	ctx = oidc.ClientContext(ctx, p.httpClient)

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	if info.Subject == "" {
		return nil, ErrSubjectMissing
	}
	if expectedSubject != "" && info.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo claims: %w", err)
	}

	return claims, nil
}

// EndSessionEndpoint returns the upstream's logout endpoint, if advertised.
func (p *OIDCProvider) EndSessionEndpoint() string {
	return p.endSession
}

func (p *OIDCProvider) verifyIDToken(ctx context.Context, rawIDToken, nonce string) (*oidc.IDToken, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if idToken.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}

	return idToken, nil
}

// validateEndpointOrigin enforces HTTPS on discovered endpoints for
// non-localhost issuers. Host matching is deliberately not enforced: major
// providers legitimately serve endpoints from different hosts, and the
// discovery document itself arrives over validated TLS from the issuer.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if isLocalhost(issuerURL.Host) {
		if !isLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != "https" {
		return fmt.Errorf("scheme mismatch: issuer uses HTTPS but endpoint uses %q", endpointURL.Scheme)
	}

	return nil
}

func isLocalhost(host string) bool {
	// A bare IPv6 literal like "[::1]" has no port to split off.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
