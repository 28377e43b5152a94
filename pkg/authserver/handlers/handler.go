// Package handlers provides the HTTP handlers for the authorization server
// endpoints: authorize, upstream callback, token, logout and discovery.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/upstream"
)

// Config carries the handler-level settings resolved by the server
// constructor.
type Config struct {
	// Issuer is the externally visible base URL of this server.
	Issuer string

	// PublicJWKS is served from the JWKS endpoint.
	PublicJWKS *jose.JSONWebKeySet

	// Token and code lifespans applied to issued sessions.
	AccessTokenLifespan  time.Duration
	RefreshTokenLifespan time.Duration
	AuthCodeLifespan     time.Duration

	// SessionLifespan bounds the federated browser session.
	SessionLifespan time.Duration

	// CookieName and CookieSecure configure the session cookie.
	CookieName   string
	CookieSecure bool
}

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	provider   fosite.OAuth2Provider
	config     Config
	gatekeeper *gate.Gatekeeper
	storage    storage.Storage
	upstream   upstream.Provider
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	provider fosite.OAuth2Provider,
	cfg Config,
	gatekeeper *gate.Gatekeeper,
	stor storage.Storage,
	upstreamIDP upstream.Provider,
) *Handler {
	return &Handler{
		provider:   provider,
		config:     cfg,
		gatekeeper: gatekeeper,
		storage:    stor,
		upstream:   upstreamIDP,
	}
}

// Routes returns a router with all OAuth/OIDC endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Get("/oauth/logout", h.LogoutHandler)
}

// WellKnownRoutes registers the discovery endpoints on the provided router.
// Both discovery documents are served for interoperability:
// - /.well-known/oauth-authorization-server (RFC 8414) for OAuth-only clients
// - /.well-known/openid-configuration (OIDC Discovery 1.0) for OIDC clients
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}
