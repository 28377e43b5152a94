package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// Cache-Control max-age values for the discovery endpoints, aligned with
// common OIDC provider cache policies.
const (
	jwksCacheMaxAge      = 3600
	discoveryCacheMaxAge = 3600
)

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata
// document (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
}

// OIDCDiscoveryDocument extends the OAuth AS metadata with the OIDC-specific
// required fields.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying issued JWTs.
func (h *Handler) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	if h.config.PublicJWKS == nil {
		logger.Error("no public JWKS available")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(h.config.PublicJWKS)
	if err != nil {
		logger.Errorw("failed to encode JWKS",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeCachedJSON(w, data, jwksCacheMaxAge)
}

// buildOAuthMetadata constructs the RFC 8414 metadata shared by both
// discovery endpoints.
func (h *Handler) buildOAuthMetadata() AuthorizationServerMetadata {
	issuer := h.config.Issuer

	scopes := h.gatekeeper.Policy().ScopeNames()
	sort.Strings(scopes)

	return AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		EndSessionEndpoint:                issuer + "/oauth/logout",
	}
}

// signingAlgorithms extracts the algorithms from the published JWKS, falling
// back to RS256 per OIDC Core Section 15.1.
func (h *Handler) signingAlgorithms() []string {
	if h.config.PublicJWKS == nil || len(h.config.PublicJWKS.Keys) == 0 {
		return []string{"RS256"}
	}

	seen := make(map[string]bool)
	var algs []string
	for _, key := range h.config.PublicJWKS.Keys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}

	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server
// requests per RFC 8414.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(h.buildOAuthMetadata())
	if err != nil {
		logger.Errorw("failed to encode OAuth AS metadata",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeCachedJSON(w, data, discoveryCacheMaxAge)
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration
// requests. It extends the RFC 8414 metadata with OIDC-specific fields.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	discovery := OIDCDiscoveryDocument{
		AuthorizationServerMetadata: h.buildOAuthMetadata(),

		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(),
	}

	data, err := json.Marshal(discovery)
	if err != nil {
		logger.Errorw("failed to encode discovery document",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeCachedJSON(w, data, discoveryCacheMaxAge)
}

func writeCachedJSON(w http.ResponseWriter, data []byte, maxAge int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
