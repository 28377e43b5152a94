// Package gate implements the single-client admission policy for the
// transparent OIDC server.
//
// The server fronts exactly one registered client. The gatekeeper is invoked
// by the HTTP handlers at fixed pipeline stages and either admits the request
// or rejects it with a well-known OAuth error before the fosite machinery
// runs. It holds no mutable state; a ClientPolicy is built once at startup
// and read concurrently for the lifetime of the process.
package gate

import (
	"strings"

	"github.com/ory/fosite"
)

// ClientPolicy describes the one client this server is willing to serve.
// It is immutable after construction and safe for unsynchronized concurrent
// reads.
type ClientPolicy struct {
	clientID     string
	redirectURIs []string
	scopes       map[string]string
}

// NewClientPolicy builds a ClientPolicy from configuration values. The scope
// map associates scope names with human-readable descriptors; the keys form
// the full grant set attached to every issued principal.
func NewClientPolicy(clientID string, redirectURIs []string, scopes map[string]string) *ClientPolicy {
	uris := make([]string, len(redirectURIs))
	copy(uris, redirectURIs)

	sc := make(map[string]string, len(scopes))
	for name, desc := range scopes {
		sc[name] = desc
	}

	return &ClientPolicy{
		clientID:     clientID,
		redirectURIs: uris,
		scopes:       sc,
	}
}

// ClientID returns the configured client identifier.
func (p *ClientPolicy) ClientID() string {
	return p.clientID
}

// RedirectURIs returns a copy of the allow-listed redirect URIs.
func (p *ClientPolicy) RedirectURIs() []string {
	uris := make([]string, len(p.redirectURIs))
	copy(uris, p.redirectURIs)
	return uris
}

// ScopeNames returns every configured scope name. This is the granted scope
// set for all issued principals, so downstream issuance never rejects a scope
// as unsupported.
func (p *ClientPolicy) ScopeNames() []string {
	names := make([]string, 0, len(p.scopes))
	for name := range p.scopes {
		names = append(names, name)
	}
	return names
}

// ScopeDescription returns the descriptor for a scope name, if configured.
func (p *ClientPolicy) ScopeDescription(name string) (string, bool) {
	desc, ok := p.scopes[name]
	return desc, ok
}

// MatchesClientID reports whether the given client_id names the configured
// client. Comparison is case-insensitive.
func (p *ClientPolicy) MatchesClientID(clientID string) bool {
	return strings.EqualFold(clientID, p.clientID)
}

// MatchesRedirectURI reports whether the given redirect_uri is an
// allow-listed callback for the configured client. Comparison is
// case-insensitive.
func (p *ClientPolicy) MatchesRedirectURI(redirectURI string) bool {
	for _, uri := range p.redirectURIs {
		if strings.EqualFold(uri, redirectURI) {
			return true
		}
	}
	return false
}

// Gatekeeper validates inbound authorization and token requests against the
// single configured client and maps federated identities onto authorization
// principals.
type Gatekeeper struct {
	policy *ClientPolicy
}

// New creates a Gatekeeper enforcing the given policy.
func New(policy *ClientPolicy) *Gatekeeper {
	return &Gatekeeper{policy: policy}
}

// Policy returns the client policy this gatekeeper enforces.
func (g *Gatekeeper) Policy() *ClientPolicy {
	return g.policy
}

// ValidateAuthorizationRequest admits or rejects an authorization request.
// The checks run in order and stop at the first failure:
//
//  1. client_id must name the configured client (case-insensitive), else
//     invalid_client.
//  2. at least one redirect_uri must be configured, else invalid_request_uri.
//  3. redirect_uri must be an allow-listed callback (case-insensitive), else
//     invalid_request_uri.
//
// A nil return means the request is admitted. The returned error is always a
// *fosite.RFC6749Error carrying the machine-readable code and the
// human-readable description for the specific failed check.
func (g *Gatekeeper) ValidateAuthorizationRequest(clientID, redirectURI string) error {
	if !g.policy.MatchesClientID(clientID) {
		return fosite.ErrInvalidClient.WithHint("unknown client_id")
	}

	if len(g.policy.redirectURIs) == 0 {
		return fosite.ErrInvalidRequestURI.WithHint("no configured redirect_uri")
	}

	if !g.policy.MatchesRedirectURI(redirectURI) {
		return fosite.ErrInvalidRequestURI.WithHint("redirect_uri not valid for this client")
	}

	return nil
}

// ValidateTokenRequest admits or rejects a token request. The only check is
// the case-insensitive client_id match; there is deliberately no
// client-secret check because the configured client is public.
func (g *Gatekeeper) ValidateTokenRequest(clientID string) error {
	if !g.policy.MatchesClientID(clientID) {
		return fosite.ErrInvalidClient.WithHint("unknown client_id")
	}
	return nil
}
