package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/gate"
	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// CallbackHandler handles GET /oauth/callback requests from the upstream
// identity provider. It exchanges the upstream authorization code, verifies
// the resulting ID token, establishes the federated browser session and
// issues this server's own authorization code to the waiting client.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	q := req.URL.Query()
	code := q.Get("code")
	internalState := q.Get("state")
	errorParam := q.Get("error")
	errorDescription := q.Get("error_description")

	if errorParam != "" {
		logger.Warnw("upstream IdP returned error",
			"error", errorParam,
			"error_description", errorDescription,
		)

		// Try to surface the error on the client's redirect_uri.
		if internalState != "" {
			pending, err := h.storage.LoadPendingAuthorization(ctx, internalState)
			if err == nil {
				_ = h.storage.DeletePendingAuthorization(ctx, internalState)
				h.redirectWithError(w, pending.RedirectURI, pending.State, errorParam, errorDescription)
				return
			}
		}

		http.Error(w, "upstream authentication failed: "+errorParam, http.StatusBadGateway)
		return
	}

	if internalState == "" {
		logger.Warn("callback missing state parameter")
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	if code == "" {
		logger.Warn("callback missing code parameter")
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	pending, err := h.storage.LoadPendingAuthorization(ctx, internalState)
	if err != nil {
		logger.Warnw("pending authorization not found",
			"error", err.Error(),
		)
		http.Error(w, "authorization request not found or expired", http.StatusBadRequest)
		return
	}

	// Single-use: drop the pending record regardless of the outcome below.
	if err := h.storage.DeletePendingAuthorization(ctx, internalState); err != nil {
		logger.Warnw("failed to delete pending authorization",
			"error", err.Error(),
		)
	}

	ident, err := h.upstream.ExchangeCodeForIdentity(ctx, code, pending.UpstreamVerifier, pending.UpstreamNonce)
	if err != nil {
		logger.Errorw("failed to exchange code with upstream IdP",
			"error", err.Error(),
		)
		h.redirectWithError(w, pending.RedirectURI, pending.State,
			"server_error", "failed to exchange authorization code")
		return
	}

	identity := gate.IdentityFromClaims(ident.Claims)
	principal := h.gatekeeper.PrincipalFor(identity)

	now := time.Now()
	fs := &storage.FederatedSession{
		ID:              uuid.NewString(),
		Subject:         ident.Subject,
		Email:           identity.Email,
		Name:            identity.Name,
		IDToken:         ident.Tokens.IDToken,
		AccessToken:     ident.Tokens.AccessToken,
		RefreshToken:    ident.Tokens.RefreshToken,
		TokenExpiresAt:  ident.Tokens.ExpiresAt,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(h.config.SessionLifespan),
	}

	if err := h.storage.StoreFederatedSession(ctx, fs); err != nil {
		logger.Errorw("failed to store federated session",
			"error", err.Error(),
		)
		h.redirectWithError(w, pending.RedirectURI, pending.State,
			"server_error", "failed to store session")
		return
	}

	params := authorizeParams{
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		State:               pending.State,
		Scopes:              pending.Scopes,
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.PKCEChallenge,
		CodeChallengeMethod: pending.PKCEMethod,
	}

	ourCode, err := h.issueAuthorizationCode(ctx, params, fs.ID, principal)
	if err != nil {
		logger.Errorw("failed to create authorization code",
			"error", err.Error(),
		)
		_ = h.storage.DeleteFederatedSession(ctx, fs.ID)
		h.redirectWithError(w, pending.RedirectURI, pending.State,
			"server_error", "failed to create authorization code")
		return
	}

	h.setSessionCookie(w, fs.ID)

	logger.Infow("upstream login completed, redirecting to client",
		"client_id", pending.ClientID,
		"upstream_provider", h.upstream.Name(),
	)

	http.Redirect(w, req, buildCallbackURL(pending.RedirectURI, ourCode, pending.State), http.StatusFound)
}
