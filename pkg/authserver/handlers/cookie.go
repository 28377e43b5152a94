package handlers

import (
	"net/http"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/storage"
)

// federatedSessionFromRequest resolves the browser's session cookie to a
// stored federated session. Any failure (no cookie, unknown or expired
// session) means the user must authenticate upstream again.
func (h *Handler) federatedSessionFromRequest(req *http.Request) (*storage.FederatedSession, error) {
	cookie, err := req.Cookie(h.config.CookieName)
	if err != nil {
		return nil, err
	}
	return h.storage.GetFederatedSession(req.Context(), cookie.Value)
}

// setSessionCookie binds the browser to a federated session.
func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.config.SessionLifespan.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie.
func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
