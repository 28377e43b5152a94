package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStorage implements Storage with in-memory maps. It is safe for
// concurrent use and suited to single-instance deployments; use the Redis
// backend when running more than one replica.
//
// Token maps store the full fosite.Requester rather than bare token strings
// because fosite needs the authorization context (client, granted scopes,
// session) for validation. Maps are keyed by token signature for O(1)
// lookup; revocation by request ID scans, which is acceptable at this
// server's single-client scale.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients is keyed by lowercased client ID so lookup tolerates any
	// casing the client sends.
	clients map[string]fosite.Client

	authCodes     map[string]*timedEntry[fosite.Requester]
	accessTokens  map[string]*timedEntry[fosite.Requester]
	refreshTokens map[string]*timedEntry[fosite.Requester]
	pkceRequests  map[string]*timedEntry[fosite.Requester]

	// invalidatedCodes tracks used authorization codes so replays return
	// ErrInvalidatedAuthorizeCode with the original request, as fosite
	// requires.
	invalidatedCodes map[string]*timedEntry[bool]

	// clientAssertionJWTs tracks JTIs for fosite.ClientManager.
	clientAssertionJWTs map[string]time.Time

	pendingAuthorizations map[string]*timedEntry[*PendingAuthorization]
	federatedSessions     map[string]*timedEntry[*FederatedSession]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates an in-memory store and starts its background
// cleanup goroutine. Call Close to stop it.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:               make(map[string]fosite.Client),
		authCodes:             make(map[string]*timedEntry[fosite.Requester]),
		accessTokens:          make(map[string]*timedEntry[fosite.Requester]),
		refreshTokens:         make(map[string]*timedEntry[fosite.Requester]),
		pkceRequests:          make(map[string]*timedEntry[fosite.Requester]),
		invalidatedCodes:      make(map[string]*timedEntry[bool]),
		clientAssertionJWTs:   make(map[string]time.Time),
		pendingAuthorizations: make(map[string]*timedEntry[*PendingAuthorization]),
		federatedSessions:     make(map[string]*timedEntry[*FederatedSession]),
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func expiredKeys[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var keys []string
	for k, v := range m {
		if now.After(v.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// cleanupExpired sweeps expired entries. Keys are collected under the read
// lock and deleted under the write lock to keep write lock hold time short.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	codes := expiredKeys(s.authCodes, now)
	invalidated := expiredKeys(s.invalidatedCodes, now)
	access := expiredKeys(s.accessTokens, now)
	refresh := expiredKeys(s.refreshTokens, now)
	pkceReqs := expiredKeys(s.pkceRequests, now)
	pending := expiredKeys(s.pendingAuthorizations, now)
	sessions := expiredKeys(s.federatedSessions, now)
	var jtis []string
	for k, v := range s.clientAssertionJWTs {
		if now.After(v) {
			jtis = append(jtis, k)
		}
	}
	s.mu.RUnlock()

	total := len(codes) + len(invalidated) + len(access) + len(refresh) +
		len(pkceReqs) + len(pending) + len(sessions) + len(jtis)
	if total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range codes {
		delete(s.authCodes, k)
		delete(s.invalidatedCodes, k)
	}
	for _, k := range invalidated {
		delete(s.invalidatedCodes, k)
	}
	for _, k := range access {
		delete(s.accessTokens, k)
	}
	for _, k := range refresh {
		delete(s.refreshTokens, k)
	}
	for _, k := range pkceReqs {
		delete(s.pkceRequests, k)
	}
	for _, k := range pending {
		delete(s.pendingAuthorizations, k)
	}
	for _, k := range sessions {
		delete(s.federatedSessions, k)
	}
	for _, k := range jtis {
		delete(s.clientAssertionJWTs, k)
	}

	logger.Debugw("swept expired storage entries", "count", total)
}

// requesterExpiry extracts the expiration for a token type from the request
// session, falling back to a default TTL when none is set.
func requesterExpiry(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Time {
	if request == nil {
		return time.Now().Add(defaultTTL)
	}

	sess := request.GetSession()
	if sess == nil {
		return time.Now().Add(defaultTTL)
	}

	exp := sess.GetExpiresAt(tokenType)
	if exp.IsZero() {
		return time.Now().Add(defaultTTL)
	}
	return exp
}

// -----------------------
// fosite.ClientManager
// -----------------------

// RegisterClient adds or updates a client, keyed case-insensitively.
func (s *MemoryStorage) RegisterClient(_ context.Context, client fosite.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[strings.ToLower(client.GetID())] = client
	return nil
}

// GetClient resolves a client by ID, ignoring case.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[strings.ToLower(id)]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// ClientAssertionJWTValid returns an error if the JTI has been seen before.
func (s *MemoryStorage) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exp, ok := s.clientAssertionJWTs[jti]; ok && time.Now().Before(exp) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as used until the given expiry.
func (s *MemoryStorage) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range s.clientAssertionJWTs {
		if now.After(v) {
			delete(s.clientAssertionJWTs, k)
		}
	}

	s.clientAssertionJWTs[jti] = exp
	return nil
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the request issued under a code.
func (s *MemoryStorage) CreateAuthorizeCodeSession(_ context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: time.Now(),
		expiresAt: requesterExpiry(request, fosite.AuthorizeCode, DefaultAuthCodeTTL),
	}
	return nil
}

// GetAuthorizeCodeSession retrieves the request for a code. A used code
// returns the request together with ErrInvalidatedAuthorizeCode, which
// fosite uses to revoke the whole grant on replay.
func (s *MemoryStorage) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	if s.invalidatedCodes[code] != nil {
		return entry.value, fosite.ErrInvalidatedAuthorizeCode
	}

	return entry.value, nil
}

// InvalidateAuthorizeCodeSession marks a code as used.
func (s *MemoryStorage) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	now := time.Now()
	s.invalidatedCodes[code] = &timedEntry[bool]{
		value:     true,
		createdAt: now,
		expiresAt: now.Add(DefaultInvalidatedCodeTTL),
	}
	return nil
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores an access token session by signature.
func (s *MemoryStorage) CreateAccessTokenSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: time.Now(),
		expiresAt: requesterExpiry(request, fosite.AccessToken, DefaultAccessTokenTTL),
	}
	return nil
}

// GetAccessTokenSession retrieves an access token session by signature.
func (s *MemoryStorage) GetAccessTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.accessTokens[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return entry.value, nil
}

// DeleteAccessTokenSession removes an access token session.
func (s *MemoryStorage) DeleteAccessTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	delete(s.accessTokens, signature)
	return nil
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores a refresh token session by signature.
func (s *MemoryStorage) CreateRefreshTokenSession(_ context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: time.Now(),
		expiresAt: requesterExpiry(request, fosite.RefreshToken, DefaultRefreshTokenTTL),
	}
	return nil
}

// GetRefreshTokenSession retrieves a refresh token session by signature.
func (s *MemoryStorage) GetRefreshTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return entry.value, nil
}

// DeleteRefreshTokenSession removes a refresh token session.
func (s *MemoryStorage) DeleteRefreshTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refreshTokens, signature)
	return nil
}

// RotateRefreshToken invalidates a refresh token and the access tokens
// issued from the same grant, implementing refresh token rotation.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, requestID string, refreshTokenSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, refreshTokenSignature)

	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}

	return nil
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken removes all access tokens issued from the given grant.
func (s *MemoryStorage) RevokeAccessToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.accessTokens {
		if entry.value.GetID() == requestID {
			delete(s.accessTokens, sig)
		}
	}

	return nil
}

// RevokeRefreshToken removes all refresh tokens issued from the given grant.
func (s *MemoryStorage) RevokeRefreshToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.refreshTokens {
		if entry.value.GetID() == requestID {
			delete(s.refreshTokens, sig)
		}
	}

	return nil
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; grace periods are
// not supported.
func (s *MemoryStorage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores a PKCE challenge by code signature.
func (s *MemoryStorage) CreatePKCERequestSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pkceRequests[signature] = &timedEntry[fosite.Requester]{
		value:     request,
		createdAt: time.Now(),
		expiresAt: requesterExpiry(request, fosite.AuthorizeCode, DefaultPKCETTL),
	}
	return nil
}

// GetPKCERequestSession retrieves a PKCE request by code signature.
func (s *MemoryStorage) GetPKCERequestSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pkceRequests[signature]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	return entry.value, nil
}

// DeletePKCERequestSession removes a PKCE request.
func (s *MemoryStorage) DeletePKCERequestSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pkceRequests[signature]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
	}
	delete(s.pkceRequests, signature)
	return nil
}

// -----------------------
// Pending authorizations
// -----------------------

// StorePendingAuthorization records a flow awaiting the upstream callback.
func (s *MemoryStorage) StorePendingAuthorization(_ context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.pendingAuthorizations[state] = &timedEntry[*PendingAuthorization]{
		value:     pending.clone(),
		createdAt: now,
		expiresAt: now.Add(DefaultPendingAuthorizationTTL),
	}
	return nil
}

// LoadPendingAuthorization retrieves a pending flow by internal state.
func (s *MemoryStorage) LoadPendingAuthorization(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pendingAuthorizations[state]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
	}

	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}

	return entry.value.clone(), nil
}

// DeletePendingAuthorization removes a pending flow.
func (s *MemoryStorage) DeletePendingAuthorization(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendingAuthorizations[state]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
	}
	delete(s.pendingAuthorizations, state)
	return nil
}

// -----------------------
// Federated sessions
// -----------------------

// StoreFederatedSession records a completed upstream login.
func (s *MemoryStorage) StoreFederatedSession(_ context.Context, session *FederatedSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("federated session cannot be nil")
	}
	if session.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("federated session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultFederatedSessionTTL)
	}

	s.federatedSessions[session.ID] = &timedEntry[*FederatedSession]{
		value:     session.clone(),
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetFederatedSession retrieves a federated session by ID.
func (s *MemoryStorage) GetFederatedSession(_ context.Context, id string) (*FederatedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.federatedSessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Federated session not found"))
	}

	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}

	return entry.value.clone(), nil
}

// DeleteFederatedSession removes a federated session.
func (s *MemoryStorage) DeleteFederatedSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.federatedSessions[id]; !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Federated session not found"))
	}
	delete(s.federatedSessions, id)
	return nil
}

// Stats reports entry counts per map, used by tests and health logging.
type Stats struct {
	Clients               int
	AuthCodes             int
	AccessTokens          int
	RefreshTokens         int
	PKCERequests          int
	PendingAuthorizations int
	FederatedSessions     int
	InvalidatedCodes      int
}

// Stats returns current entry counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:               len(s.clients),
		AuthCodes:             len(s.authCodes),
		AccessTokens:          len(s.accessTokens),
		RefreshTokens:         len(s.refreshTokens),
		PKCERequests:          len(s.pkceRequests),
		PendingAuthorizations: len(s.pendingAuthorizations),
		FederatedSessions:     len(s.federatedSessions),
		InvalidatedCodes:      len(s.invalidatedCodes),
	}
}

var _ Storage = (*MemoryStorage)(nil)
