package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/session"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Redis key namespaces.
const (
	keyClient      = "client"
	keyAuthCode    = "code"
	keyInvalidated = "invalid"
	keyAccess      = "access"
	keyRefresh     = "refresh"
	keyPKCE        = "pkce"
	keyJTI         = "jti"
	keyPending     = "pending"
	keySession     = "fsession"

	// Secondary indexes mapping a grant's request ID to its token
	// signatures, needed for revocation and rotation.
	keyReqIDAccess  = "reqid:access"
	keyReqIDRefresh = "reqid:refresh"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for an unauthenticated server.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "tidp:".
	KeyPrefix string

	// Timeouts; zero values take the package defaults.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on a Redis backend, enabling multiple
// server replicas to share tokens, pending authorizations and federated
// sessions. TTLs are enforced by Redis key expiry.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: normalizeKeyPrefix(cfg.KeyPrefix),
	}, nil
}

// NewRedisStorageWithClient wraps a pre-configured client. Used by tests
// with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: normalizeKeyPrefix(keyPrefix),
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(namespace, id string) string {
	return s.keyPrefix + namespace + ":" + id
}

// normalizeKeyPrefix ensures a non-empty prefix ends with the key separator
// so "tidp" and "tidp:" produce the same key layout.
func normalizeKeyPrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

// -----------------------
// fosite.ClientManager
// -----------------------

// storedClient is the serializable form of an OAuth client.
type storedClient struct {
	ID            string   `json:"id"`
	Secret        []byte   `json:"secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	Audience      []string `json:"audience"`
	Public        bool     `json:"public"`
}

// redisClient implements fosite.Client for deserialization.
type redisClient struct {
	storedClient
}

func (c *redisClient) GetID() string                      { return c.ID }
func (c *redisClient) GetHashedSecret() []byte            { return c.Secret }
func (c *redisClient) GetRedirectURIs() []string          { return c.RedirectURIs }
func (c *redisClient) GetGrantTypes() fosite.Arguments    { return c.GrantTypes }
func (c *redisClient) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }
func (c *redisClient) GetScopes() fosite.Arguments        { return c.Scopes }
func (c *redisClient) GetAudience() fosite.Arguments      { return c.Audience }
func (c *redisClient) IsPublic() bool                     { return c.Public }

// RegisterClient adds or updates a client, keyed case-insensitively.
// Clients are configured statically and do not expire.
func (s *RedisStorage) RegisterClient(ctx context.Context, client fosite.Client) error {
	key := s.key(keyClient, strings.ToLower(client.GetID()))

	stored := storedClient{
		ID:            client.GetID(),
		Secret:        client.GetHashedSecret(),
		RedirectURIs:  client.GetRedirectURIs(),
		GrantTypes:    client.GetGrantTypes(),
		ResponseTypes: client.GetResponseTypes(),
		Scopes:        client.GetScopes(),
		Audience:      client.GetAudience(),
		Public:        client.IsPublic(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	return s.client.Set(ctx, key, data, 0).Err()
}

// GetClient resolves a client by ID, ignoring case.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	key := s.key(keyClient, strings.ToLower(id))

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &redisClient{storedClient: stored}, nil
}

// ClientAssertionJWTValid returns an error if the JTI has been seen before.
func (s *RedisStorage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	exists, err := s.client.Exists(ctx, s.key(keyJTI, jti)).Result()
	if err != nil {
		return fmt.Errorf("failed to check JWT: %w", err)
	}
	if exists > 0 {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as used until the given expiry.
func (s *RedisStorage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key(keyJTI, jti), "1", ttl).Err()
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the request issued under a code.
func (s *RedisStorage) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ttl := requesterTTL(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)
	return s.client.Set(ctx, s.key(keyAuthCode, code), data, ttl).Err()
}

// GetAuthorizeCodeSession retrieves the request for a code, returning the
// request with ErrInvalidatedAuthorizeCode when the code was already used.
func (s *RedisStorage) GetAuthorizeCodeSession(ctx context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	invalidated, err := s.client.Exists(ctx, s.key(keyInvalidated, code)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check invalidation status: %w", err)
	}

	data, err := s.client.Get(ctx, s.key(keyAuthCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	request, err := s.unmarshalRequester(ctx, data)
	if err != nil {
		return nil, err
	}

	if invalidated > 0 {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}

	return request, nil
}

// InvalidateAuthorizeCodeSession marks a code as used.
func (s *RedisStorage) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	exists, err := s.client.Exists(ctx, s.key(keyAuthCode, code)).Result()
	if err != nil {
		return fmt.Errorf("failed to check authorization code: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	return s.client.Set(ctx, s.key(keyInvalidated, code), "1", DefaultInvalidatedCodeTTL).Err()
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores an access token session and indexes it by
// request ID for revocation.
func (s *RedisStorage) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	return s.createIndexedToken(ctx, keyAccess, keyReqIDAccess, signature, request,
		requesterTTL(request, fosite.AccessToken, DefaultAccessTokenTTL))
}

// GetAccessTokenSession retrieves an access token session by signature.
func (s *RedisStorage) GetAccessTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyAccess, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return s.unmarshalRequester(ctx, data)
}

// DeleteAccessTokenSession removes an access token session.
func (s *RedisStorage) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.deleteIndexedToken(ctx, keyAccess, keyReqIDAccess, signature, "Access token not found")
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores a refresh token session and indexes it by
// request ID for rotation.
func (s *RedisStorage) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	return s.createIndexedToken(ctx, keyRefresh, keyReqIDRefresh, signature, request,
		requesterTTL(request, fosite.RefreshToken, DefaultRefreshTokenTTL))
}

// GetRefreshTokenSession retrieves a refresh token session by signature.
func (s *RedisStorage) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyRefresh, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	return s.unmarshalRequester(ctx, data)
}

// DeleteRefreshTokenSession removes a refresh token session.
func (s *RedisStorage) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.deleteIndexedToken(ctx, keyRefresh, keyReqIDRefresh, signature, "Refresh token not found")
}

// RotateRefreshToken invalidates a refresh token and the access tokens
// issued from the same grant.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	_ = s.client.Del(ctx, s.key(keyRefresh, refreshTokenSignature)).Err()
	_ = s.client.SRem(ctx, s.key(keyReqIDRefresh, requestID), refreshTokenSignature).Err()

	reqIDAccessKey := s.key(keyReqIDAccess, requestID)
	signatures, err := s.client.SMembers(ctx, reqIDAccessKey).Result()
	if err == nil {
		for _, sig := range signatures {
			_ = s.client.Del(ctx, s.key(keyAccess, sig)).Err()
		}
		_ = s.client.Del(ctx, reqIDAccessKey).Err()
	}

	return nil
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken removes all access tokens issued from the given grant.
func (s *RedisStorage) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, keyAccess, keyReqIDAccess, requestID)
}

// RevokeRefreshToken removes all refresh tokens issued from the given grant.
func (s *RedisStorage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, keyRefresh, keyReqIDRefresh, requestID)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; grace periods are
// not supported.
func (s *RedisStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

func (s *RedisStorage) revokeByRequestID(ctx context.Context, tokenNS, indexNS, requestID string) error {
	indexKey := s.key(indexNS, requestID)
	signatures, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to get token signatures: %w", err)
	}

	for _, sig := range signatures {
		_ = s.client.Del(ctx, s.key(tokenNS, sig)).Err()
	}
	_ = s.client.Del(ctx, indexKey).Err()

	return nil
}

// createIndexedToken stores a token and adds its signature to the request-ID
// index. Index failures roll back the token write so neither outlives the
// other.
func (s *RedisStorage) createIndexedToken(
	ctx context.Context, tokenNS, indexNS, signature string, request fosite.Requester, ttl time.Duration,
) error {
	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	tokenKey := s.key(tokenNS, signature)
	if err := s.client.Set(ctx, tokenKey, data, ttl).Err(); err != nil {
		return err
	}

	indexKey := s.key(indexNS, request.GetID())
	if err := s.client.SAdd(ctx, indexKey, signature).Err(); err != nil {
		_ = s.client.Del(ctx, tokenKey).Err()
		return err
	}
	if err := s.client.Expire(ctx, indexKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, tokenKey).Err()
		_ = s.client.SRem(ctx, indexKey, signature).Err()
		return err
	}

	return nil
}

// deleteIndexedToken removes a token and best-effort cleans its index entry.
func (s *RedisStorage) deleteIndexedToken(ctx context.Context, tokenNS, indexNS, signature, missingHint string) error {
	tokenKey := s.key(tokenNS, signature)

	data, err := s.client.Get(ctx, tokenKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint(missingHint))
		}
		return fmt.Errorf("failed to get token: %w", err)
	}

	if err := s.client.Del(ctx, tokenKey).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	var stored storedRequester
	if err := json.Unmarshal(data, &stored); err == nil && stored.RequestID != "" {
		_ = s.client.SRem(ctx, s.key(indexNS, stored.RequestID), signature).Err()
	}

	return nil
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores a PKCE challenge by code signature.
func (s *RedisStorage) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ttl := requesterTTL(request, fosite.AuthorizeCode, DefaultPKCETTL)
	return s.client.Set(ctx, s.key(keyPKCE, signature), data, ttl).Err()
}

// GetPKCERequestSession retrieves a PKCE request by code signature.
func (s *RedisStorage) GetPKCERequestSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyPKCE, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
		}
		return nil, fmt.Errorf("failed to get PKCE request: %w", err)
	}

	return s.unmarshalRequester(ctx, data)
}

// DeletePKCERequestSession removes a PKCE request.
func (s *RedisStorage) DeletePKCERequestSession(ctx context.Context, signature string) error {
	result, err := s.client.Del(ctx, s.key(keyPKCE, signature)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete PKCE request: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	return nil
}

// -----------------------
// Pending authorizations
// -----------------------

// storedPendingAuthorization is the serializable form of PendingAuthorization.
type storedPendingAuthorization struct {
	ClientID         string   `json:"client_id"`
	RedirectURI      string   `json:"redirect_uri"`
	State            string   `json:"state"`
	PKCEChallenge    string   `json:"pkce_challenge"`
	PKCEMethod       string   `json:"pkce_method"`
	Scopes           []string `json:"scopes"`
	Nonce            string   `json:"nonce"`
	InternalState    string   `json:"internal_state"`
	UpstreamVerifier string   `json:"upstream_verifier"`
	UpstreamNonce    string   `json:"upstream_nonce"`
	CreatedAt        int64    `json:"created_at"`
}

// StorePendingAuthorization records a flow awaiting the upstream callback.
func (s *RedisStorage) StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	stored := storedPendingAuthorization{
		ClientID:         pending.ClientID,
		RedirectURI:      pending.RedirectURI,
		State:            pending.State,
		PKCEChallenge:    pending.PKCEChallenge,
		PKCEMethod:       pending.PKCEMethod,
		Scopes:           slices.Clone(pending.Scopes),
		Nonce:            pending.Nonce,
		InternalState:    pending.InternalState,
		UpstreamVerifier: pending.UpstreamVerifier,
		UpstreamNonce:    pending.UpstreamNonce,
		CreatedAt:        pending.CreatedAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	return s.client.Set(ctx, s.key(keyPending, state), data, DefaultPendingAuthorizationTTL).Err()
}

// LoadPendingAuthorization retrieves a pending flow by internal state.
func (s *RedisStorage) LoadPendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.client.Get(ctx, s.key(keyPending, state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
		}
		return nil, fmt.Errorf("failed to get pending authorization: %w", err)
	}

	var stored storedPendingAuthorization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	createdAt := time.Unix(stored.CreatedAt, 0)

	// TTL enforcement belt-and-braces: Redis expiry handles the common case.
	if time.Since(createdAt) > DefaultPendingAuthorizationTTL {
		return nil, ErrExpired
	}

	return &PendingAuthorization{
		ClientID:         stored.ClientID,
		RedirectURI:      stored.RedirectURI,
		State:            stored.State,
		PKCEChallenge:    stored.PKCEChallenge,
		PKCEMethod:       stored.PKCEMethod,
		Scopes:           slices.Clone(stored.Scopes),
		Nonce:            stored.Nonce,
		InternalState:    stored.InternalState,
		UpstreamVerifier: stored.UpstreamVerifier,
		UpstreamNonce:    stored.UpstreamNonce,
		CreatedAt:        createdAt,
	}, nil
}

// DeletePendingAuthorization removes a pending flow.
func (s *RedisStorage) DeletePendingAuthorization(ctx context.Context, state string) error {
	result, err := s.client.Del(ctx, s.key(keyPending, state)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
	}
	return nil
}

// -----------------------
// Federated sessions
// -----------------------

// storedFederatedSession is the serializable form of FederatedSession.
type storedFederatedSession struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	IDToken         string `json:"id_token"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	TokenExpiresAt  int64  `json:"token_expires_at"`
	AuthenticatedAt int64  `json:"authenticated_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

// StoreFederatedSession records a completed upstream login.
func (s *RedisStorage) StoreFederatedSession(ctx context.Context, session *FederatedSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("federated session cannot be nil")
	}
	if session.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("federated session ID cannot be empty")
	}

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultFederatedSessionTTL)
	}

	stored := storedFederatedSession{
		ID:              session.ID,
		Subject:         session.Subject,
		Email:           session.Email,
		Name:            session.Name,
		IDToken:         session.IDToken,
		AccessToken:     session.AccessToken,
		RefreshToken:    session.RefreshToken,
		TokenExpiresAt:  session.TokenExpiresAt.Unix(),
		AuthenticatedAt: session.AuthenticatedAt.Unix(),
		ExpiresAt:       expiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal federated session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	return s.client.Set(ctx, s.key(keySession, session.ID), data, ttl).Err()
}

// GetFederatedSession retrieves a federated session by ID.
func (s *RedisStorage) GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error) {
	data, err := s.client.Get(ctx, s.key(keySession, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Federated session not found"))
		}
		return nil, fmt.Errorf("failed to get federated session: %w", err)
	}

	var stored storedFederatedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal federated session: %w", err)
	}

	expiresAt := time.Unix(stored.ExpiresAt, 0)
	if time.Now().After(expiresAt) {
		return nil, ErrExpired
	}

	return &FederatedSession{
		ID:              stored.ID,
		Subject:         stored.Subject,
		Email:           stored.Email,
		Name:            stored.Name,
		IDToken:         stored.IDToken,
		AccessToken:     stored.AccessToken,
		RefreshToken:    stored.RefreshToken,
		TokenExpiresAt:  time.Unix(stored.TokenExpiresAt, 0),
		AuthenticatedAt: time.Unix(stored.AuthenticatedAt, 0),
		ExpiresAt:       expiresAt,
	}, nil
}

// DeleteFederatedSession removes a federated session.
func (s *RedisStorage) DeleteFederatedSession(ctx context.Context, id string) error {
	result, err := s.client.Del(ctx, s.key(keySession, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete federated session: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Federated session not found"))
	}
	return nil
}

// -----------------------
// Requester serialization
// -----------------------

// storedRequester is the serializable form of a fosite.Requester. The
// session is round-tripped verbatim so the JWT claims (subject, sid, email,
// name) and per-token expiries survive storage; fosite's token handlers
// replace the live request's session with the stored one and then hand it to
// the JWT strategy, which requires the full session container.
type storedRequester struct {
	ClientID          string              `json:"client_id"`
	RequestedAt       time.Time           `json:"requested_at"`
	RequestedScopes   []string            `json:"requested_scopes"`
	GrantedScopes     []string            `json:"granted_scopes"`
	RequestedAudience []string            `json:"requested_audience"`
	GrantedAudience   []string            `json:"granted_audience"`
	Form              map[string][]string `json:"form"`
	RequestID         string              `json:"request_id"`
	Session           json.RawMessage     `json:"session,omitempty"`
}

func marshalRequester(request fosite.Requester) ([]byte, error) {
	form := make(map[string][]string)
	for key, values := range request.GetRequestForm() {
		form[key] = values
	}

	var sessionData json.RawMessage
	if sess := request.GetSession(); sess != nil {
		data, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}
		sessionData = data
	}

	return json.Marshal(storedRequester{
		ClientID:          request.GetClient().GetID(),
		RequestedAt:       request.GetRequestedAt(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              form,
		RequestID:         request.GetID(),
		Session:           sessionData,
	})
}

// unmarshalRequester rebuilds a fosite.Requester, resolving its client
// through this store and restoring the stored JWT session.
func (s *RedisStorage) unmarshalRequester(ctx context.Context, data []byte) (fosite.Requester, error) {
	var stored storedRequester
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for session: %w", err)
	}

	sess := &session.Session{}
	if len(stored.Session) > 0 {
		if err := json.Unmarshal(stored.Session, sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session claims: %w", err)
		}
	}

	return &redisRequester{
		id:                stored.RequestID,
		requestedAt:       stored.RequestedAt,
		client:            client,
		requestedScopes:   stored.RequestedScopes,
		grantedScopes:     stored.GrantedScopes,
		requestedAudience: stored.RequestedAudience,
		grantedAudience:   stored.GrantedAudience,
		form:              url.Values(stored.Form),
		session:           sess,
	}, nil
}

// requesterTTL derives a Redis TTL from the request session.
func requesterTTL(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Duration {
	if request == nil {
		return defaultTTL
	}

	sess := request.GetSession()
	if sess == nil {
		return defaultTTL
	}

	exp := sess.GetExpiresAt(tokenType)
	if exp.IsZero() {
		return defaultTTL
	}

	ttl := time.Until(exp)
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

// redisRequester implements fosite.Requester for deserialized requests.
type redisRequester struct {
	id                string
	requestedAt       time.Time
	client            fosite.Client
	requestedScopes   fosite.Arguments
	requestedAudience fosite.Arguments
	grantedScopes     fosite.Arguments
	grantedAudience   fosite.Arguments
	form              url.Values
	session           fosite.Session
}

func (r *redisRequester) SetID(id string)                           { r.id = id }
func (r *redisRequester) GetID() string                             { return r.id }
func (r *redisRequester) GetRequestedAt() time.Time                 { return r.requestedAt }
func (r *redisRequester) GetClient() fosite.Client                  { return r.client }
func (r *redisRequester) GetRequestedScopes() fosite.Arguments      { return r.requestedScopes }
func (r *redisRequester) GetRequestedAudience() fosite.Arguments    { return r.requestedAudience }
func (r *redisRequester) SetRequestedScopes(s fosite.Arguments)     { r.requestedScopes = s }
func (r *redisRequester) SetRequestedAudience(aud fosite.Arguments) { r.requestedAudience = aud }
func (r *redisRequester) AppendRequestedScope(scope string) {
	r.requestedScopes = append(r.requestedScopes, scope)
}
func (r *redisRequester) GetGrantedScopes() fosite.Arguments   { return r.grantedScopes }
func (r *redisRequester) GetGrantedAudience() fosite.Arguments { return r.grantedAudience }
func (r *redisRequester) GrantScope(scope string)              { r.grantedScopes = append(r.grantedScopes, scope) }
func (r *redisRequester) GrantAudience(aud string) {
	r.grantedAudience = append(r.grantedAudience, aud)
}
func (r *redisRequester) GetSession() fosite.Session           { return r.session }
func (r *redisRequester) SetSession(s fosite.Session)          { r.session = s }
func (r *redisRequester) GetRequestForm() url.Values           { return r.form }
func (*redisRequester) Merge(_ fosite.Requester)               {}
func (r *redisRequester) Sanitize(_ []string) fosite.Requester { return r }

var _ Storage = (*RedisStorage)(nil)
