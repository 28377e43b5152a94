// Package session defines the fosite session type carried through
// authorization codes, access tokens and refresh tokens.
package session

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/token/jwt"
)

const (
	// FederatedSessionClaimKey is the JWT claim carrying the server-side
	// federated session identifier.
	FederatedSessionClaimKey = "sid"

	// ClientIDClaimKey is the JWT claim carrying the OAuth client ID.
	ClientIDClaimKey = "client_id"

	// AuthorizedPartyClaimKey is the OIDC azp claim.
	AuthorizedPartyClaimKey = "azp"

	// EmailClaimKey carries the federated email mapped from the upstream
	// preferred_username claim.
	EmailClaimKey = "email"

	// NameClaimKey carries the federated display name.
	NameClaimKey = "name"
)

// Session extends fosite's JWT session with the identifier of the federated
// session that produced it. Tokens minted from this session carry the
// identifier as a claim so a logout can be traced back to the upstream
// login.
type Session struct {
	*oauth2.JWTSession

	// FederatedSessionID links issued tokens to the stored upstream session.
	FederatedSessionID string
}

// New creates a session for the given subject. The federated session ID and
// client ID are embedded as JWT claims when non-empty.
func New(subject, federatedSessionID, clientID string) *Session {
	extra := map[string]any{}
	if federatedSessionID != "" {
		extra[FederatedSessionClaimKey] = federatedSessionID
	}
	if clientID != "" {
		extra[ClientIDClaimKey] = clientID
		extra[AuthorizedPartyClaimKey] = clientID
	}

	return &Session{
		JWTSession: &oauth2.JWTSession{
			JWTClaims: &jwt.JWTClaims{
				Subject: subject,
				Extra:   extra,
			},
			JWTHeader: &jwt.Headers{
				Extra: map[string]any{},
			},
			Subject: subject,
		},
		FederatedSessionID: federatedSessionID,
	}
}

// AttachIdentity embeds the federated email and display name as claims.
// Empty values are omitted rather than written as empty claims.
func (s *Session) AttachIdentity(email, name string) {
	claims := s.GetJWTClaims()
	if claims == nil {
		return
	}
	if email != "" {
		s.JWTClaims.Extra[EmailClaimKey] = email
	}
	if name != "" {
		s.JWTClaims.Extra[NameClaimKey] = name
	}
}

// GetSubject implements fosite.Session and tolerates partially initialized
// sessions deserialized from storage.
func (s *Session) GetSubject() string {
	if s == nil || s.JWTSession == nil || s.JWTClaims == nil {
		return ""
	}
	return s.JWTClaims.Subject
}

// SetSubject implements fosite.Session, initializing nil inner state.
func (s *Session) SetSubject(subject string) {
	s.ensureInit()
	s.JWTClaims.Subject = subject
	s.JWTSession.Subject = subject
}

// GetUsername returns the session username, or "" when unset.
func (s *Session) GetUsername() string {
	if s == nil || s.JWTSession == nil {
		return ""
	}
	return s.JWTSession.Username
}

// SetUsername records the username, initializing nil inner state.
func (s *Session) SetUsername(username string) {
	s.ensureInit()
	s.JWTSession.Username = username
}

// GetExpiresAt implements fosite.Session. A nil inner session yields the zero
// time, which fosite treats as "use the configured lifespan".
func (s *Session) GetExpiresAt(key fosite.TokenType) time.Time {
	if s == nil || s.JWTSession == nil {
		return time.Time{}
	}
	return s.JWTSession.GetExpiresAt(key)
}

// SetExpiresAt implements fosite.Session, initializing nil inner state.
func (s *Session) SetExpiresAt(key fosite.TokenType, exp time.Time) {
	s.ensureInit()
	s.JWTSession.SetExpiresAt(key, exp)
}

// GetJWTClaims exposes the claims container fosite encodes into tokens.
func (s *Session) GetJWTClaims() jwt.JWTClaimsContainer {
	if s == nil || s.JWTSession == nil {
		return nil
	}
	return s.JWTSession.GetJWTClaims()
}

// GetJWTHeader exposes the JWT header container.
func (s *Session) GetJWTHeader() *jwt.Headers {
	if s == nil || s.JWTSession == nil {
		return nil
	}
	return s.JWTSession.GetJWTHeader()
}

// Clone implements fosite.Session with a deep copy.
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}

	clone := &Session{FederatedSessionID: s.FederatedSessionID}
	if s.JWTSession != nil {
		if inner, ok := s.JWTSession.Clone().(*oauth2.JWTSession); ok {
			clone.JWTSession = inner
		}
	}
	return clone
}

func (s *Session) ensureInit() {
	if s.JWTSession == nil {
		s.JWTSession = &oauth2.JWTSession{}
	}
	if s.JWTClaims == nil {
		s.JWTClaims = &jwt.JWTClaims{}
	}
	if s.JWTClaims.Extra == nil {
		s.JWTClaims.Extra = map[string]any{}
	}
	if s.JWTHeader == nil {
		s.JWTHeader = &jwt.Headers{Extra: map[string]any{}}
	}
}
