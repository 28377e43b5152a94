package authserver

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/upstream"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// MinRSAKeyBits is the minimum required size for RSA keys in bits.
// 2048 bits is required per NIST SP 800-57 recommendations.
const MinRSAKeyBits = 2048

// MinSecretLength is the minimum required length for the HMAC secret in bytes.
// 32 bytes (256 bits) is required per OWASP/NIST security guidelines.
const MinSecretLength = 32

// DefaultCookieName is the name of the browser session cookie unless
// overridden in SessionConfig.
const DefaultCookieName = "tidp_session"

// Config is the pure configuration for the authorization server.
// All values must be fully resolved (no file paths, no env vars).
type Config struct {
	// Issuer is the issuer identifier for this authorization server.
	// This will be included in the "iss" claim of issued tokens.
	Issuer string

	// SigningKey is the key used for signing JWT access tokens.
	SigningKey SigningKey

	// HMACSecret is the symmetric secret used for signing authorization codes
	// and refresh tokens (opaque tokens). Unlike the asymmetric SigningKey
	// which signs JWTs for distributed verification, this secret is used
	// internally by the authorization server only.
	// Must be at least 32 bytes and cryptographically random.
	// Must be consistent across all replicas in multi-instance deployments.
	HMACSecret []byte

	// AccessTokenLifespan is the duration that access tokens are valid.
	// If zero, defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan is the duration that refresh tokens are valid.
	// If zero, defaults to 7 days.
	RefreshTokenLifespan time.Duration

	// AuthCodeLifespan is the duration that authorization codes are valid.
	// If zero, defaults to 10 minutes.
	AuthCodeLifespan time.Duration

	// Client is the single client this server serves. Requests naming any
	// other client are rejected.
	Client ClientConfig

	// Upstream is the identity provider all logins are federated to.
	Upstream upstream.Config

	// Session configures the browser session cookie.
	Session SessionConfig
}

// SigningKey represents a key used for signing JWT tokens.
type SigningKey struct {
	// KeyID is the unique identifier for this key, used in the JWT "kid" header.
	KeyID string

	// Algorithm specifies the signing algorithm (e.g., "RS256", "ES256").
	Algorithm string

	// Key is the actual private key. Must implement crypto.Signer.
	Key crypto.Signer
}

// ClientConfig defines the single pre-registered OAuth client. The client is
// public; it has no secret.
type ClientConfig struct {
	// ID is the unique identifier for this client.
	ID string

	// RedirectURIs is the list of allowed redirect URIs for this client.
	RedirectURIs []string

	// Scopes maps scope names to human-readable descriptions. Every key is
	// granted on each issued token.
	Scopes map[string]string
}

// SessionConfig configures the federated browser session cookie.
type SessionConfig struct {
	// CookieName is the session cookie name. Defaults to DefaultCookieName.
	CookieName string

	// Lifespan is how long a federated session satisfies new authorization
	// requests before the user is sent back upstream. Defaults to 8 hours.
	Lifespan time.Duration

	// CookieSecure marks the cookie Secure. Enable whenever the server is
	// reachable over HTTPS.
	CookieSecure bool
}

// Policy builds the immutable client policy enforced by the gatekeeper.
func (c *Config) Policy() *gate.ClientPolicy {
	return gate.NewClientPolicy(c.Client.ID, c.Client.RedirectURIs, c.Client.Scopes)
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	if err := c.SigningKey.Validate(); err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	if len(c.HMACSecret) < MinSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes", MinSecretLength)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"clientID", c.Client.ID,
		"upstream", c.Upstream.Issuer,
	)
	return nil
}

// Validate checks that the SigningKey configuration is valid.
func (k *SigningKey) Validate() error {
	if k.KeyID == "" {
		return fmt.Errorf("key ID is required")
	}
	if k.Algorithm == "" {
		return fmt.Errorf("algorithm is required")
	}
	if k.Key == nil {
		return fmt.Errorf("key is required")
	}

	switch k.Algorithm {
	case "RS256", "RS384", "RS512":
		rsaKey, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("RSA algorithm requires *rsa.PrivateKey, got %T", k.Key)
		}
		if rsaKey.N.BitLen() < MinRSAKeyBits {
			return fmt.Errorf("RSA key must be at least %d bits, got %d", MinRSAKeyBits, rsaKey.N.BitLen())
		}
	case "ES256", "ES384", "ES512":
		ecdsaKey, ok := k.Key.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("ECDSA algorithm requires *ecdsa.PrivateKey, got %T", k.Key)
		}
		expectedCurves := map[string]string{
			"ES256": "P-256",
			"ES384": "P-384",
			"ES512": "P-521",
		}
		expectedCurve := expectedCurves[k.Algorithm]
		if ecdsaKey.Curve.Params().Name != expectedCurve {
			return fmt.Errorf("algorithm %s requires curve %s, got %s",
				k.Algorithm, expectedCurve, ecdsaKey.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("unsupported algorithm: %s", k.Algorithm)
	}

	return nil
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}

	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}

	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}

	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = time.Hour
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = 24 * time.Hour * 7 // 7 days
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = 10 * time.Minute
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}
	if c.Session.Lifespan == 0 {
		c.Session.Lifespan = storage.DefaultFederatedSessionTTL
	}
}
