package authserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/handlers"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/upstream"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// server is the internal implementation of the Server interface.
type server struct {
	handler http.Handler
	storage storage.Storage
}

// upstreamProviderFactory creates an upstream Provider from configuration.
// This type enables dependency injection for testing.
type upstreamProviderFactory func(ctx context.Context, cfg *upstream.Config) (upstream.Provider, error)

// serverOption configures the server during construction.
type serverOption func(*serverOptions)

// serverOptions holds optional configuration for server creation.
type serverOptions struct {
	upstreamFactory upstreamProviderFactory
}

// defaultUpstreamFactory creates the production upstream provider with OIDC
// discovery and ID token validation.
func defaultUpstreamFactory(ctx context.Context, cfg *upstream.Config) (upstream.Provider, error) {
	return upstream.NewOIDCProvider(ctx, cfg)
}

// withUpstreamFactory sets a custom upstream provider factory.
// This is intended for testing and is not part of the public API.
func withUpstreamFactory(factory upstreamProviderFactory) serverOption {
	return func(o *serverOptions) {
		o.upstreamFactory = factory
	}
}

// newServer creates a new OAuth authorization server.
// The opts parameter allows injecting dependencies for testing.
func newServer(ctx context.Context, cfg Config, stor storage.Storage, opts ...serverOption) (*server, error) {
	options := &serverOptions{
		upstreamFactory: defaultUpstreamFactory,
	}
	for _, opt := range opts {
		opt(options)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if stor == nil {
		return nil, fmt.Errorf("storage is required")
	}

	oauth2Config, err := NewOAuth2Config(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth2 config: %w", err)
	}

	policy := cfg.Policy()
	if err := stor.RegisterClient(ctx, newClient(policy)); err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}

	provider := newProvider(oauth2Config, stor)

	logger.Debugw("creating upstream IdP provider",
		"name", cfg.Upstream.Name,
		"issuer", cfg.Upstream.Issuer,
	)
	upstreamIDP, err := options.upstreamFactory(ctx, &cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream provider: %w", err)
	}

	handlerInstance := handlers.NewHandler(
		provider,
		handlers.Config{
			Issuer:               cfg.Issuer,
			PublicJWKS:           oauth2Config.PublicJWKS(),
			AccessTokenLifespan:  cfg.AccessTokenLifespan,
			RefreshTokenLifespan: cfg.RefreshTokenLifespan,
			AuthCodeLifespan:     cfg.AuthCodeLifespan,
			SessionLifespan:      cfg.Session.Lifespan,
			CookieName:           cfg.Session.CookieName,
			CookieSecure:         cfg.Session.CookieSecure,
		},
		gate.New(policy),
		stor,
		upstreamIDP,
	)

	logger.Infow("OAuth authorization server initialized",
		"issuer", cfg.Issuer,
		"client_id", cfg.Client.ID,
		"upstream", cfg.Upstream.Issuer,
	)

	return &server{
		handler: handlerInstance.Routes(),
		storage: stor,
	}, nil
}

// Handler returns the HTTP handler that serves all OAuth/OIDC endpoints.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Close releases resources held by the server.
func (s *server) Close() error {
	logger.Debug("closing OAuth authorization server")
	return s.storage.Close()
}
