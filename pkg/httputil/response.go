package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// ErrorResponse is the body of every error response. RequestID is set when
// the error was written for a request carrying one.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteServiceError maps a service error onto its HTTP status.
// Internal errors are logged and replaced with a generic message.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	resp := ErrorResponse{Error: err.Error(), RequestID: observability.GetRequestID(r.Context())}
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		resp.Error = "internal server error"
	}
	_ = WriteJSON(w, status, resp)
}

// WriteBadRequest writes a 400
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes a 401
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a 403
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteCreated writes a 201 with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
