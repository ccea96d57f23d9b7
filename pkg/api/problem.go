// Package api provides the typed operation registry that is the sole
// entry point into every federation service (spec §4.3), plus the error
// envelope its handlers write.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error is the wire shape every operation error serializes as:
// {"error": "<message>"} (spec §4.3, §7).
type Error struct {
	Message string `json:"error"`
}

func (e *Error) Error() string { return e.Message }

// Write serializes message as the error envelope with the given status.
func Write(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Error{Message: message})
}

// WriteError is an alias for Write kept for call sites that spell out
// status/detail explicitly rather than going through one of the named
// helpers below.
func WriteError(w http.ResponseWriter, status int, detail string) {
	Write(w, status, detail)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadRequest, detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	Write(w, http.StatusUnauthorized, detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	Write(w, http.StatusForbidden, detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	Write(w, http.StatusNotFound, detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	Write(w, http.StatusConflict, detail)
}

func WriteServiceUnavailable(w http.ResponseWriter, detail string) {
	Write(w, http.StatusServiceUnavailable, detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, "method not allowed")
}

func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	Write(w, http.StatusTooManyRequests, "rate limit exceeded, retry after the specified interval")
}

// WriteInternal logs err with its full causal chain and returns an opaque
// 500 to the client — internal errors are never leaked (spec §7).
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	Write(w, http.StatusInternalServerError, "an unexpected error occurred")
}
