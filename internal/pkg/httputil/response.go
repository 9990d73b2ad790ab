package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// ErrorResponse is the error envelope for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("httputil: encode response", "error", err)
	}
}

func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Accepted is used for requests whose work continues asynchronously.
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

// Error writes a JSON error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// Problem writes an error with a machine-readable code and details.
func Problem(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func BadRequest(w http.ResponseWriter, message string) { Error(w, http.StatusBadRequest, message) }

func NotFound(w http.ResponseWriter, message string) { Error(w, http.StatusNotFound, message) }

func Conflict(w http.ResponseWriter, message string) { Error(w, http.StatusConflict, message) }

// InternalError logs err and returns a generic 500 body.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("httputil: internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads a JSON body into dst. On failure it writes a 400 and
// returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
