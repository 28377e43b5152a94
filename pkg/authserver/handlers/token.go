package handlers

import (
	"net/http"

	"github.com/AKlaus/transparent-oidc/pkg/authserver/session"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

// TokenHandler handles POST /oauth/token requests.
//
// The gatekeeper admits the request on its client_id alone (the client is
// public; there is no secret to check), then fosite's access request and
// response flow mints the tokens from the stored authorize session.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		logger.Warnw("failed to parse token request form",
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, nil, err)
		return
	}

	if err := h.gatekeeper.ValidateTokenRequest(req.PostForm.Get("client_id")); err != nil {
		logger.Warnw("token request rejected",
			"client_id", req.PostForm.Get("client_id"),
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, nil, err)
		return
	}

	// A placeholder session: fosite retrieves the stored authorize session
	// from storage and uses its claims for token generation; this object is
	// only the deserialization template.
	sess := session.New("", "", "")

	accessRequest, err := h.provider.NewAccessRequest(ctx, req, sess)
	if err != nil {
		logger.Errorw("failed to create access request",
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := h.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Errorw("failed to create access response",
			"error", err.Error(),
		)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	h.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}
