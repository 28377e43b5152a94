package authserver

import (
	"context"
	"fmt"

	josev3 "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// ErrInvalidKey is returned when a key is invalid or cannot be parsed.
var ErrInvalidKey = fmt.Errorf("invalid key")

// OAuth2Config wraps fosite.Config with the JWT signing material.
type OAuth2Config struct {
	*fosite.Config
	SigningKey  *jose.JSONWebKey
	SigningJWKS *jose.JSONWebKeySet
}

// NewOAuth2Config creates an OAuth2Config from the provided Config.
func NewOAuth2Config(config *Config) (*OAuth2Config, error) {
	signingKey, jwks, err := buildJWKS(config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS: %w", err)
	}

	// RefreshTokenScopes is left nil so fosite's offline_access default
	// applies: a refresh token is issued exactly when offline_access is
	// among the granted scopes.
	fositeConfig := &fosite.Config{
		AccessTokenIssuer:     config.Issuer,
		AccessTokenLifespan:   config.AccessTokenLifespan,
		RefreshTokenLifespan:  config.RefreshTokenLifespan,
		AuthorizeCodeLifespan: config.AuthCodeLifespan,
		GlobalSecret:          config.HMACSecret,
		TokenURL:              config.Issuer + "/oauth/token",
	}

	return &OAuth2Config{
		Config:      fositeConfig,
		SigningKey:  signingKey,
		SigningJWKS: jwks,
	}, nil
}

// GetSigningKey returns the config's signing key.
func (c *OAuth2Config) GetSigningKey(_ context.Context) *jose.JSONWebKey {
	return c.SigningKey
}

// GetSigningJWKS returns the config's signing JWKS. This includes private keys.
func (c *OAuth2Config) GetSigningJWKS(_ context.Context) *jose.JSONWebKeySet {
	return c.SigningJWKS
}

// PublicJWKS returns a copy of the JWKS containing only public keys.
func (c *OAuth2Config) PublicJWKS() *jose.JSONWebKeySet {
	if c.SigningJWKS == nil {
		return nil
	}

	publicJWKS := &jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, 0, len(c.SigningJWKS.Keys)),
	}

	for _, key := range c.SigningJWKS.Keys {
		publicJWKS.Keys = append(publicJWKS.Keys, key.Public())
	}

	return publicJWKS
}

// buildJWKS builds a JSON Web Key Set holding the signing key.
func buildJWKS(key SigningKey) (*jose.JSONWebKey, *jose.JSONWebKeySet, error) {
	if key.Key == nil {
		return nil, nil, fmt.Errorf("%w: no private key provided", ErrInvalidKey)
	}

	jwk := jose.JSONWebKey{
		Key:       key.Key,
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Use:       "sig",
	}

	return &jwk, &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, nil
}

// newClient builds the fosite registration for the single configured client.
// The client is public (no secret) and limited to the authorization code and
// refresh token grants.
func newClient(policy *gate.ClientPolicy) *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            policy.ClientID(),
		RedirectURIs:  policy.RedirectURIs(),
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		Scopes:        policy.ScopeNames(),
		Public:        true,
	}
}

// newProvider creates a fosite OAuth2Provider configured for the
// authorization code flow.
//
// The provider is configured with:
//   - JWT strategy for access tokens (asymmetric signing, distributed
//     validation via JWKS)
//   - HMAC strategy for authorization codes and refresh tokens (symmetric,
//     internal only)
//   - Authorization code grant (RFC 6749 Section 4.1)
//   - Refresh token grant (RFC 6749 Section 6)
//   - PKCE (RFC 7636)
func newProvider(oauth2Config *OAuth2Config, stor storage.Storage) fosite.OAuth2Provider {
	logger.Debugw("configuring fosite OAuth2 provider",
		"keyID", oauth2Config.SigningKey.KeyID,
		"algorithm", oauth2Config.SigningKey.Algorithm,
	)

	// Convert go-jose/v4 JWK to go-jose/v3 JWK for fosite compatibility.
	// Fosite v0.49.0 depends on go-jose/v3, while we use v4 internally.
	// This ensures the "kid" (key ID) is included in JWT headers so resource
	// servers can look up the correct public key from our JWKS endpoint.
	signingKeyV4 := oauth2Config.SigningKey
	signingKeyV3 := &josev3.JSONWebKey{
		Key:       signingKeyV4.Key,
		KeyID:     signingKeyV4.KeyID,
		Algorithm: signingKeyV4.Algorithm,
		Use:       signingKeyV4.Use,
	}

	jwtStrategy := compose.NewOAuth2JWTStrategy(
		func(_ context.Context) (interface{}, error) { return signingKeyV3, nil },
		compose.NewOAuth2HMACStrategy(oauth2Config.Config),
		oauth2Config.Config,
	)

	return compose.Compose(
		oauth2Config.Config,
		stor,
		&compose.CommonStrategy{CoreStrategy: jwtStrategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
	)
}
