package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ory/fosite"
	"golang.org/x/oauth2"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/session"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// authorizeParams holds the client's authorization request parameters, either
// parsed from the inbound request or restored from a pending authorization.
type authorizeParams struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// upstreamAuthSecrets holds cryptographic values needed for the upstream IdP
// authorization leg.
type upstreamAuthSecrets struct {
	// State is the internal state for correlating the upstream callback.
	State string
	// PKCEVerifier is the code_verifier for upstream PKCE (RFC 7636).
	PKCEVerifier string
	// Nonce is the OIDC nonce for ID token replay protection.
	Nonce string
}

// newUpstreamAuthSecrets generates all secrets needed for an upstream
// authorization leg.
func newUpstreamAuthSecrets() *upstreamAuthSecrets {
	return &upstreamAuthSecrets{
		State:        rand.Text(),
		PKCEVerifier: oauth2.GenerateVerifier(),
		Nonce:        rand.Text(),
	}
}

// AuthorizeHandler handles GET /oauth/authorize requests.
//
// The request is first admitted by the gatekeeper's client and redirect_uri
// checks. An existing federated session then satisfies the request with
// immediate code issuance; otherwise the user agent is challenged with a
// redirect to the upstream identity provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	q := req.URL.Query()
	params := authorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if scope := q.Get("scope"); scope != "" {
		params.Scopes = strings.Fields(scope)
	}

	if err := h.gatekeeper.ValidateAuthorizationRequest(params.ClientID, params.RedirectURI); err != nil {
		logger.Warnw("authorization request rejected",
			"client_id", params.ClientID,
			"redirect_uri", params.RedirectURI,
			"error", err.Error(),
		)
		h.writeRFCError(w, err)
		return
	}

	// From here on errors can be redirected to the validated redirect_uri.
	if rt := q.Get("response_type"); rt != "code" {
		h.redirectWithError(w, params.RedirectURI, params.State,
			"unsupported_response_type", "only response_type=code is supported")
		return
	}

	if params.CodeChallenge != "" && params.CodeChallengeMethod != "S256" {
		h.redirectWithError(w, params.RedirectURI, params.State,
			"invalid_request", "code_challenge_method must be S256")
		return
	}

	fs, err := h.federatedSessionFromRequest(req)
	if err != nil {
		h.challengeUpstream(ctx, w, req, params)
		return
	}

	if err := h.refreshUpstreamTokens(ctx, fs); err != nil {
		logger.Warnw("upstream token refresh failed, re-authenticating",
			"client_id", params.ClientID,
			"error", err.Error(),
		)
		_ = h.storage.DeleteFederatedSession(ctx, fs.ID)
		h.clearSessionCookie(w)
		h.challengeUpstream(ctx, w, req, params)
		return
	}

	// An authenticated session exists; issue a code without another upstream
	// round trip.
	identity := gate.FederatedIdentity{
		Email:   fs.Email,
		Name:    fs.Name,
		Subject: fs.Subject,
	}
	principal := h.gatekeeper.PrincipalFor(identity)

	code, err := h.issueAuthorizationCode(ctx, params, fs.ID, principal)
	if err != nil {
		logger.Errorw("failed to create authorization code",
			"client_id", params.ClientID,
			"error", err.Error(),
		)
		h.redirectWithError(w, params.RedirectURI, params.State,
			"server_error", "failed to create authorization code")
		return
	}

	logger.Infow("authorization satisfied from existing session",
		"client_id", params.ClientID,
	)

	http.Redirect(w, req, buildCallbackURL(params.RedirectURI, code, params.State), http.StatusFound)
}

// challengeUpstream persists the pending authorization and redirects the user
// agent to the upstream identity provider. The request is terminal for this
// pass; no principal is attached.
func (h *Handler) challengeUpstream(ctx context.Context, w http.ResponseWriter, req *http.Request, params authorizeParams) {
	secrets := newUpstreamAuthSecrets()

	pending := &storage.PendingAuthorization{
		ClientID:         params.ClientID,
		RedirectURI:      params.RedirectURI,
		State:            params.State,
		PKCEChallenge:    params.CodeChallenge,
		PKCEMethod:       params.CodeChallengeMethod,
		Scopes:           params.Scopes,
		Nonce:            params.Nonce,
		InternalState:    secrets.State,
		UpstreamVerifier: secrets.PKCEVerifier,
		UpstreamNonce:    secrets.Nonce,
		CreatedAt:        time.Now(),
	}

	if err := h.storage.StorePendingAuthorization(ctx, secrets.State, pending); err != nil {
		logger.Errorw("failed to store pending authorization",
			"error", err.Error(),
		)
		h.redirectWithError(w, params.RedirectURI, params.State,
			"server_error", "failed to store authorization request")
		return
	}

	upstreamURL, err := h.upstream.AuthorizationURL(secrets.State, secrets.PKCEVerifier, secrets.Nonce)
	if err != nil {
		logger.Errorw("failed to build upstream authorization URL",
			"error", err.Error(),
		)
		_ = h.storage.DeletePendingAuthorization(ctx, secrets.State)
		h.redirectWithError(w, params.RedirectURI, params.State,
			"server_error", "failed to build authorization URL")
		return
	}

	logger.Infow("challenging user agent with upstream IdP",
		"client_id", params.ClientID,
		"upstream_provider", h.upstream.Name(),
	)

	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// refreshUpstreamTokens brings an expired upstream access token up to date
// before the session satisfies another authorization request. Sessions
// without a refresh token keep serving until their own expiry; a failed
// refresh means the upstream revoked access and the session must not be
// reused.
func (h *Handler) refreshUpstreamTokens(ctx context.Context, fs *storage.FederatedSession) error {
	if fs.RefreshToken == "" || fs.TokenExpiresAt.IsZero() || time.Now().Before(fs.TokenExpiresAt) {
		return nil
	}

	tokens, err := h.upstream.RefreshTokens(ctx, fs.RefreshToken, fs.Subject)
	if err != nil {
		return err
	}

	fs.AccessToken = tokens.AccessToken
	fs.TokenExpiresAt = tokens.ExpiresAt
	if tokens.RefreshToken != "" {
		fs.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		fs.IDToken = tokens.IDToken
	}

	logger.Infow("refreshed upstream tokens",
		"upstream_provider", h.upstream.Name(),
	)

	return h.storage.StoreFederatedSession(ctx, fs)
}

// issueAuthorizationCode creates a fosite authorization code bound to the
// given principal. The granted scope set is the principal's full scope list,
// so a refresh token is later issued whenever offline_access is configured.
func (h *Handler) issueAuthorizationCode(
	ctx context.Context,
	params authorizeParams,
	federatedSessionID string,
	principal gate.Principal,
) (string, error) {
	client, err := h.storage.GetClient(ctx, params.ClientID)
	if err != nil {
		return "", err
	}

	sess := session.New(principal.Subject, federatedSessionID, client.GetID())
	sess.AttachIdentity(principal.Email, principal.Name)
	if principal.Email != "" {
		sess.SetUsername(principal.Email)
	}

	now := time.Now()
	sess.SetExpiresAt(fosite.AuthorizeCode, now.Add(h.config.AuthCodeLifespan))
	sess.SetExpiresAt(fosite.AccessToken, now.Add(h.config.AccessTokenLifespan))
	sess.SetExpiresAt(fosite.RefreshToken, now.Add(h.config.RefreshTokenLifespan))

	form := url.Values{
		"redirect_uri": {params.RedirectURI},
	}
	if params.CodeChallenge != "" {
		form.Set("code_challenge", params.CodeChallenge)
		form.Set("code_challenge_method", params.CodeChallengeMethod)
	}
	if params.Nonce != "" {
		form.Set("nonce", params.Nonce)
	}

	authorizeRequest := fosite.NewAuthorizeRequest()
	authorizeRequest.Form = form
	authorizeRequest.Client = client
	authorizeRequest.Session = sess
	authorizeRequest.RequestedAt = now
	authorizeRequest.RedirectURI, _ = url.Parse(params.RedirectURI)
	authorizeRequest.ResponseTypes = fosite.Arguments{"code"}

	for _, scope := range params.Scopes {
		authorizeRequest.RequestedScope = append(authorizeRequest.RequestedScope, scope)
	}
	for _, scope := range principal.Scopes {
		authorizeRequest.GrantedScope = append(authorizeRequest.GrantedScope, scope)
	}

	response, err := h.provider.NewAuthorizeResponse(ctx, authorizeRequest, sess)
	if err != nil {
		return "", err
	}

	code := response.GetCode()
	if code == "" {
		return "", fosite.ErrServerError.WithHint("no authorization code generated")
	}

	return code, nil
}

// writeRFCError writes an OAuth error response when redirecting to the client
// is not safe (the client or redirect_uri itself failed validation).
func (*Handler) writeRFCError(w http.ResponseWriter, err error) {
	rfcErr := fosite.ErrorToRFC6749Error(err)

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(rfcErr.CodeField)
	_ = json.NewEncoder(w).Encode(rfcErr)
}

// redirectWithError redirects to the client with an OAuth error response.
func (*Handler) redirectWithError(w http.ResponseWriter, redirectURI, state, errorCode, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}

	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// buildCallbackURL builds the client callback URL with code and state.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
