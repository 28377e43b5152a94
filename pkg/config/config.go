// Package config loads the server configuration from a YAML file with
// TIDP_-prefixed environment variable overrides, and resolves it into the
// fully materialized authserver configuration (keys and secrets read from
// disk, client secret resolved).
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AKlaus/transparent-oidc/pkg/authserver"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/upstream"
)

// UpstreamClientSecretEnvVar is the fallback environment variable for the
// upstream client secret when neither a direct value nor a file is configured.
const UpstreamClientSecretEnvVar = "TIDP_UPSTREAM_CLIENT_SECRET"

// Config is the on-disk configuration schema.
type Config struct {
	// Host and Port form the listen address.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Issuer is this server's external base URL. Required.
	Issuer string `mapstructure:"issuer"`

	SigningKey SigningKeyConfig `mapstructure:"signing_key"`

	// HMACSecretFile holds the symmetric secret for authorization codes and
	// refresh tokens. When empty a random secret is generated at startup,
	// which is only suitable for a single instance with memory storage.
	HMACSecretFile string `mapstructure:"hmac_secret_file"`

	AccessTokenLifespan  time.Duration `mapstructure:"access_token_lifespan"`
	RefreshTokenLifespan time.Duration `mapstructure:"refresh_token_lifespan"`
	AuthCodeLifespan     time.Duration `mapstructure:"auth_code_lifespan"`

	Client   ClientConfig   `mapstructure:"client"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Session  SessionConfig  `mapstructure:"session"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// SigningKeyConfig points at the JWT signing key. KeyID and Algorithm are
// derived from the key when left empty.
type SigningKeyConfig struct {
	Path      string `mapstructure:"path"`
	KeyID     string `mapstructure:"key_id"`
	Algorithm string `mapstructure:"algorithm"`
}

// ClientConfig describes the single served client.
type ClientConfig struct {
	ID           string            `mapstructure:"id"`
	RedirectURIs []string          `mapstructure:"redirect_uris"`
	Scopes       map[string]string `mapstructure:"scopes"`
}

// UpstreamConfig describes the upstream identity provider connection.
type UpstreamConfig struct {
	Name     string `mapstructure:"name"`
	Issuer   string `mapstructure:"issuer"`
	ClientID string `mapstructure:"client_id"`

	// ClientSecret resolution precedence: direct value, then file, then the
	// TIDP_UPSTREAM_CLIENT_SECRET environment variable.
	ClientSecret     string `mapstructure:"client_secret"`
	ClientSecretFile string `mapstructure:"client_secret_file"`

	Scopes []string `mapstructure:"scopes"`

	// RedirectURI defaults to {issuer}/oauth/callback.
	RedirectURI string `mapstructure:"redirect_uri"`

	ProviderHintParam string `mapstructure:"provider_hint_param"`
	ProviderHint      string `mapstructure:"provider_hint"`
}

// SessionConfig configures the browser session cookie.
type SessionConfig struct {
	CookieName   string        `mapstructure:"cookie_name"`
	Lifespan     time.Duration `mapstructure:"lifespan"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Type is "memory" or "redis".
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Load reads the configuration from the given YAML file, applying defaults
// and TIDP_-prefixed environment overrides. Path may be empty, in which case
// only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("storage.redis.key_prefix", "tidp")
	v.SetDefault("session.cookie_name", authserver.DefaultCookieName)

	// Keys without a meaningful default are still registered so that
	// environment overrides reach Unmarshal.
	for _, key := range []string{
		"issuer",
		"signing_key.path",
		"signing_key.key_id",
		"signing_key.algorithm",
		"hmac_secret_file",
		"client.id",
		"upstream.name",
		"upstream.issuer",
		"upstream.client_id",
		"upstream.client_secret",
		"upstream.client_secret_file",
		"upstream.redirect_uri",
		"upstream.provider_hint_param",
		"upstream.provider_hint",
		"storage.redis.addr",
		"storage.redis.username",
		"storage.redis.password",
	} {
		v.SetDefault(key, "")
	}

	v.SetEnvPrefix("TIDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the parts of the configuration that must be present before
// resolution. The resolved authserver config performs the full validation.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.SigningKey.Path == "" {
		return fmt.Errorf("signing_key.path is required")
	}
	switch c.Storage.Type {
	case string(storage.TypeMemory):
	case string(storage.TypeRedis):
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}
	return nil
}

// AuthServer resolves this configuration into a fully materialized
// authserver.Config: the signing key is loaded from disk, the HMAC secret is
// loaded or generated, and the upstream client secret is resolved.
func (c *Config) AuthServer() (authserver.Config, error) {
	if err := c.Validate(); err != nil {
		return authserver.Config{}, err
	}

	key, err := authserver.LoadSigningKey(c.SigningKey.Path)
	if err != nil {
		return authserver.Config{}, err
	}

	signingKey, err := authserver.NewSigningKey(key, c.SigningKey.KeyID, c.SigningKey.Algorithm)
	if err != nil {
		return authserver.Config{}, err
	}

	hmacSecret, err := authserver.LoadHMACSecret(c.HMACSecretFile)
	if err != nil {
		return authserver.Config{}, err
	}
	if hmacSecret == nil {
		hmacSecret, err = authserver.GenerateHMACSecret()
		if err != nil {
			return authserver.Config{}, err
		}
	}

	clientSecret, err := c.Upstream.resolveClientSecret()
	if err != nil {
		return authserver.Config{}, fmt.Errorf("failed to resolve upstream client secret: %w", err)
	}

	redirectURI := c.Upstream.RedirectURI
	if redirectURI == "" {
		redirectURI = strings.TrimSuffix(c.Issuer, "/") + "/oauth/callback"
	}

	return authserver.Config{
		Issuer:               strings.TrimSuffix(c.Issuer, "/"),
		SigningKey:           signingKey,
		HMACSecret:           hmacSecret,
		AccessTokenLifespan:  c.AccessTokenLifespan,
		RefreshTokenLifespan: c.RefreshTokenLifespan,
		AuthCodeLifespan:     c.AuthCodeLifespan,
		Client: authserver.ClientConfig{
			ID:           c.Client.ID,
			RedirectURIs: c.Client.RedirectURIs,
			Scopes:       c.Client.Scopes,
		},
		Upstream: upstream.Config{
			Name:              c.Upstream.Name,
			Issuer:            c.Upstream.Issuer,
			ClientID:          c.Upstream.ClientID,
			ClientSecret:      clientSecret,
			Scopes:            c.Upstream.Scopes,
			RedirectURI:       redirectURI,
			ProviderHintParam: c.Upstream.ProviderHintParam,
			ProviderHint:      c.Upstream.ProviderHint,
		},
		Session: authserver.SessionConfig{
			CookieName:   c.Session.CookieName,
			Lifespan:     c.Session.Lifespan,
			CookieSecure: c.Session.CookieSecure,
		},
	}, nil
}

// NewStorage builds the configured storage backend.
func (c *Config) NewStorage(ctx context.Context) (storage.Storage, error) {
	switch c.Storage.Type {
	case string(storage.TypeRedis):
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Username:  c.Storage.Redis.Username,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		})
	default:
		return storage.NewMemoryStorage(), nil
	}
}

// resolveClientSecret returns the upstream client secret using the following
// order of precedence:
// 1. ClientSecret (direct config value)
// 2. ClientSecretFile (read from file)
// 3. TIDP_UPSTREAM_CLIENT_SECRET environment variable (fallback)
func (c *UpstreamConfig) resolveClientSecret() (string, error) {
	if c.ClientSecret != "" {
		return c.ClientSecret, nil
	}

	if c.ClientSecretFile != "" {
		data, err := os.ReadFile(c.ClientSecretFile) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read client secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv(UpstreamClientSecretEnvVar); envSecret != "" {
		return envSecret, nil
	}

	// A public upstream client is unusual but not an error; the upstream
	// provider validates its own requirements.
	return "", nil
}
