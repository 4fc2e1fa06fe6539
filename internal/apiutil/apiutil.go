// Package apiutil provides the XRPC-style JSON request/response helpers
// shared by internal/inbound and internal/api, so every handler file writes
// responses the same way instead of re-deriving the error envelope.
package apiutil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/catbird/mls-ds/internal/apierror"
)

// ErrorBody is the atproto XRPC error shape: {error, message?}.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes data as the raw JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes the XRPC error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Error: code, Message: message})
}

// WriteAPIError inspects err for a tagged *apierror.Error and writes the
// status and code its Kind maps to, falling back to a generic 500 for
// errors that never got taxonomy-tagged.
func WriteAPIError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if e, ok := apierror.As(err); ok {
		if e.Kind == apierror.KindStorageError {
			logger.Error("internal error", slog.String("error", e.Error()))
		}
		WriteError(w, apierror.HTTPStatus(e.Kind), string(e.Kind), e.Message)
		return
	}
	logger.Error("unclassified internal error", slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, string(apierror.KindStorageError), "internal error")
}

// DecodeJSON reads JSON from the request body into dst. On failure it
// writes a 400 error response and returns false so the caller can return
// early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid request body")
		return false
	}
	return true
}
