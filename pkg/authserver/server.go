// Package authserver implements a transparent OIDC authorization server: a
// single-client OAuth 2.0 / OIDC front that federates every login to one
// upstream identity provider and re-issues its own tokens.
package authserver

import (
	"context"
	"net/http"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// Server is the OAuth authorization server.
// It provides HTTP handlers that serve all OAuth/OIDC endpoints.
type Server interface {
	// Handler returns an http.Handler that serves all OAuth/OIDC endpoints:
	//   - /.well-known/openid-configuration (OIDC Discovery)
	//   - /.well-known/oauth-authorization-server (RFC 8414 OAuth AS Metadata)
	//   - /.well-known/jwks.json (JSON Web Key Set)
	//   - /oauth/authorize (Authorization endpoint)
	//   - /oauth/token (Token endpoint)
	//   - /oauth/callback (Upstream IdP callback)
	//   - /oauth/logout (Federated session logout)
	//
	// The handler uses internal routing; the consumer doesn't need to know
	// about the endpoint structure.
	Handler() http.Handler

	// Close releases resources held by the server.
	Close() error
}

// New creates a new OAuth authorization server.
// The storage parameter is required and determines where OAuth state is
// persisted. Use storage.NewMemoryStorage() for single-instance deployments
// or storage.NewRedisStorage for distributed deployments.
func New(ctx context.Context, cfg Config, stor storage.Storage) (Server, error) {
	logger.Debugw("creating new OAuth authorization server", "issuer", cfg.Issuer)
	return newServer(ctx, cfg, stor)
}
