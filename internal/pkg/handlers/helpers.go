package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, d interface{}) {
	sendJSONStatus(w, r, http.StatusOK, d)
}

func sendJSONStatus(w http.ResponseWriter, r *http.Request, code int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

// sendAPIErrorResponse maps an SDM call failure onto a response: auth
// failures are 401, a missing resource is 404, anything else from upstream
// is a bad gateway
func sendAPIErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.Logger(r.Context()).WithError(err).Error("querying Google SDM API")

	var authErr *sdmauth.AuthFailure
	var apiErr *sdmapi.ApiError

	switch {
	case errors.As(err, &authErr):
		sendJSONStatus(w, r, http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound:
		sendJSONStatus(w, r, http.StatusNotFound, errorResponse{Error: apiErr.Message, Status: apiErr.Status})
	case errors.As(err, &apiErr):
		sendJSONStatus(w, r, http.StatusBadGateway, errorResponse{Error: apiErr.Message, Status: apiErr.Status})
	default:
		sendJSONStatus(w, r, http.StatusBadGateway, errorResponse{Error: "Down-stream API error"})
	}
}
