// Package storage provides the persistence layer for the transparent OIDC
// server: fosite token storage plus the server's own pending-authorization
// and federated-session records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the record exists but its TTL has elapsed.
	ErrExpired = errors.New("expired")
)

// Type selects a storage backend.
type Type string

const (
	// TypeMemory keeps everything in process memory (default).
	TypeMemory Type = "memory"

	// TypeRedis persists to a Redis server for horizontal scaling.
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often the in-memory backend sweeps
	// expired entries.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultAccessTokenTTL applies when a session carries no access token
	// expiry.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL applies when a session carries no refresh token
	// expiry.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	// DefaultAuthCodeTTL follows the RFC 6749 recommendation for code
	// lifetimes.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultInvalidatedCodeTTL is how long used codes are remembered for
	// replay detection.
	DefaultInvalidatedCodeTTL = 30 * time.Minute

	// DefaultPKCETTL matches the authorization code lifetime.
	DefaultPKCETTL = 10 * time.Minute

	// DefaultPendingAuthorizationTTL bounds how long a user has to finish
	// the upstream login.
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultFederatedSessionTTL bounds how long a browser session stays
	// signed in before being sent back upstream.
	DefaultFederatedSessionTTL = 8 * time.Hour
)

// PendingAuthorization preserves a client's authorization request while the
// user authenticates with the upstream identity provider. It is keyed by the
// internal state echoed back on the upstream callback.
type PendingAuthorization struct {
	// ClientID of the downstream client that started the flow.
	ClientID string

	// RedirectURI is the client's callback, already validated against the
	// allow list.
	RedirectURI string

	// State is the client's own state parameter, replayed on the final
	// redirect.
	State string

	// PKCEChallenge and PKCEMethod are the client's PKCE parameters, if any.
	PKCEChallenge string
	PKCEMethod    string

	// Scopes requested by the client.
	Scopes []string

	// Nonce is the client's OIDC nonce, echoed into the issued ID token.
	Nonce string

	// InternalState is the randomly generated state sent upstream.
	InternalState string

	// UpstreamVerifier is the PKCE verifier for the upstream exchange.
	UpstreamVerifier string

	// UpstreamNonce is the nonce bound to the upstream ID token.
	UpstreamNonce string

	// CreatedAt is when the flow started.
	CreatedAt time.Time
}

// clone returns a deep copy so stored records never alias caller memory.
func (p *PendingAuthorization) clone() *PendingAuthorization {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Scopes = append([]string(nil), p.Scopes...)
	return &cp
}

// FederatedSession records a completed upstream login. The browser holds a
// cookie referencing the session ID; subsequent authorization requests are
// satisfied from this record without another upstream round trip.
type FederatedSession struct {
	// ID is the random identifier referenced by the session cookie.
	ID string

	// Subject is the upstream IdP's stable subject claim.
	Subject string

	// Email is the federated email, mapped from preferred_username.
	Email string

	// Name is the federated display name.
	Name string

	// IDToken, AccessToken and RefreshToken are the upstream tokens.
	IDToken      string
	AccessToken  string
	RefreshToken string

	// TokenExpiresAt is when the upstream access token expires.
	TokenExpiresAt time.Time

	// AuthenticatedAt is when the upstream login completed.
	AuthenticatedAt time.Time

	// ExpiresAt is when this session stops satisfying new authorization
	// requests.
	ExpiresAt time.Time
}

// IsExpired reports whether the session has outlived its TTL.
func (s *FederatedSession) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// clone returns a deep copy of the session.
func (s *FederatedSession) clone() *FederatedSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Storage combines the fosite storage contracts with the server's own
// pending-authorization and federated-session records.
type Storage interface {
	fosite.ClientManager
	oauth2.AuthorizeCodeStorage
	oauth2.AccessTokenStorage
	oauth2.RefreshTokenStorage
	oauth2.TokenRevocationStorage
	pkce.PKCERequestStorage

	// RegisterClient makes a client resolvable via GetClient. Lookup is
	// case-insensitive on the client ID.
	RegisterClient(ctx context.Context, client fosite.Client) error

	// StorePendingAuthorization records a flow awaiting the upstream
	// callback, keyed by internal state.
	StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error

	// LoadPendingAuthorization retrieves a pending flow by internal state.
	LoadPendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)

	// DeletePendingAuthorization removes a pending flow.
	DeletePendingAuthorization(ctx context.Context, state string) error

	// StoreFederatedSession records a completed upstream login.
	StoreFederatedSession(ctx context.Context, session *FederatedSession) error

	// GetFederatedSession retrieves a federated session by ID. Expired
	// sessions yield ErrExpired.
	GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error)

	// DeleteFederatedSession removes a federated session, ending the
	// single sign-on state for that browser.
	DeleteFederatedSession(ctx context.Context, id string) error

	// Health reports backend availability.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
