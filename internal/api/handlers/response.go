package handlers

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// sendError sends a standardized JSON error response. Persistence and
// internal causes are logged but never written to the client.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	log := logger.FromContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.PublicMessage(err),
	})
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeBody rejects malformed JSON with a BadRequest.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	return nil
}
