// Package api exposes the coordinator over HTTP: the webhook-gated engine
// endpoints, the internal review UI endpoints, and the operational surfaces.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/operonlabs/conductor/pkg/contracts"
)

// errorBody is the JSON error response. Every error carries a human-readable
// message and a machine classification so the calling engine can decide
// whether to re-invoke.
type errorBody struct {
	Error     string              `json:"error"`
	ErrorType contracts.ErrorType `json:"errorType"`
	Retryable bool                `json:"retryable"`
	Details   string              `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteTypedError maps err to its classified JSON error response. Internal
// causes are logged, never exposed.
func WriteTypedError(w http.ResponseWriter, err error) {
	ce := contracts.AsError(err)
	if ce.Status >= 500 {
		slog.Error("request failed", "errorType", ce.Type, "error", err)
	}
	if ce.Type == contracts.ErrorRateLimit {
		w.Header().Set("Retry-After", "5")
	}
	WriteJSON(w, ce.Status, errorBody{
		Error:     ce.Message,
		ErrorType: ce.Type,
		Retryable: ce.Retryable,
	})
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteTypedError(w, contracts.ValidationErrorf("%s", detail))
}

// WriteUnauthorized writes a 401 auth error.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteTypedError(w, contracts.AuthErrorf("%s", detail))
}

// WriteNotFound writes a 404 error.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteTypedError(w, contracts.NotFoundErrorf("%s", detail))
}

// WriteMethodNotAllowed writes a 405 error.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, http.StatusMethodNotAllowed, errorBody{
		Error:     "method not allowed",
		ErrorType: contracts.ErrorValidation,
	})
}

// WriteTooManyRequests writes a 429 error with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteJSON(w, http.StatusTooManyRequests, errorBody{
		Error:     "rate limit exceeded, retry after the specified interval",
		ErrorType: contracts.ErrorRateLimit,
		Retryable: true,
	})
}

// WriteInternal writes a 500 error. The cause is logged but never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteJSON(w, http.StatusInternalServerError, errorBody{
		Error:     "an unexpected error occurred",
		ErrorType: contracts.ErrorUnknown,
	})
}
