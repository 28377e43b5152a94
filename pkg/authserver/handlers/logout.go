package handlers

import (
	"net/http"

	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// endSessionProvider is implemented by upstream providers whose discovery
// document advertises an end_session_endpoint.
type endSessionProvider interface {
	EndSessionEndpoint() string
}

// LogoutHandler handles GET /oauth/logout requests. It deletes the federated
// session, expires the session cookie and, when the upstream advertises an
// end-session endpoint, forwards the user agent there to terminate the
// upstream login as well.
func (h *Handler) LogoutHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if cookie, err := req.Cookie(h.config.CookieName); err == nil && cookie.Value != "" {
		if err := h.storage.DeleteFederatedSession(ctx, cookie.Value); err != nil {
			logger.Warnw("failed to delete federated session",
				"error", err.Error(),
			)
		}
	}

	h.clearSessionCookie(w)

	if esp, ok := h.upstream.(endSessionProvider); ok {
		if endpoint := esp.EndSessionEndpoint(); endpoint != "" {
			http.Redirect(w, req, endpoint, http.StatusFound)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
