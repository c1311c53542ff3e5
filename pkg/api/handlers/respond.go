// Package handlers implements the HTTP endpoints over the file service.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
)

// Response is the JSON envelope every endpoint answers with.
type Response struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries the stable wire code of a failed request. Retryable
// tells clients the condition clears on its own.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already out; nothing left to do but log.
		logger.Warn("failed to encode response", logger.KeyError, err)
	}
}

func respondOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// respondError maps a service error onto its HTTP status and wire code.
// Anything outside the service taxonomy becomes an opaque 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := files.AsError(err); ok {
		writeJSON(w, e.HTTPStatus(), Response{
			Status:    "error",
			Timestamp: time.Now().UTC(),
			Error: &ErrorInfo{
				Code:      e.Code,
				Message:   e.Message,
				Retryable: e.Retryable,
			},
		})
		return
	}

	logger.ErrorCtx(r.Context(), "unclassified handler error",
		"method", r.Method, "path", r.URL.Path, logger.KeyError, err)
	respondBadState(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

// respondBadState answers a request the handler itself rejected, before the
// service was involved.
func respondBadState(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     &ErrorInfo{Code: code, Message: message},
	})
}

// decodeJSONBody decodes the request body into v. On failure the error
// response has already been written and false is returned.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "invalid request body")
		return false
	}
	return true
}
