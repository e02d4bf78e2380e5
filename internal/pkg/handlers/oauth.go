package handlers

import (
	"context"
	"net/http"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

// Authorizer is the part of sdmauth.Session used by the OAuth handlers
type Authorizer interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, redirectResponse string) (*sdmauth.Token, error)
}

/*
 * OauthHandler redirects the caller to the Nest Services consent page of the
 * Smart Device Management project.  The consent URL asks for offline access
 * and forces the consent prompt so that a refresh token is always issued.
 */

type OauthHandler struct {
	auth   Authorizer
	states *StateTracker
}

func NewOauthHandler(auth Authorizer, states *StateTracker) OauthHandler {
	return OauthHandler{
		auth:   auth,
		states: states,
	}
}

func (h *OauthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := h.states.New()
	logging.Logger(r.Context()).Debugf("Starting authorization, state %s", state)

	http.Redirect(w, r, h.auth.AuthorizationURL(state), http.StatusFound)
}

// CallbackHandler receives the consent page redirect and completes the
// authorization code grant
type CallbackHandler struct {
	auth   Authorizer
	states *StateTracker
}

func NewCallbackHandler(auth Authorizer, states *StateTracker) CallbackHandler {
	return CallbackHandler{
		auth:   auth,
		states: states,
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	if !h.states.Consume(r.URL.Query().Get("state")) {
		ctxLogger.Warn("OAuth callback with unknown or expired state")
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	if e := r.URL.Query().Get("error"); e != "" {
		ctxLogger.Warnf("Authorization denied: %s", e)
		http.Error(w, "authorization denied: "+e, http.StatusForbidden)
		return
	}

	token, err := h.auth.ExchangeCode(r.Context(), r.URL.String())
	if err != nil {
		ctxLogger.WithError(err).Error("exchanging authorization code")
		http.Error(w, "unable to complete authorization", http.StatusBadGateway)
		return
	}
	ctxLogger.Infof("Authorized: %s", token)

	sendJSONResponse(w, r, map[string]interface{}{
		"authorized":          true,
		"access-token-expiry": token.Expiry,
	})
}
