package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"Ceremony/internal/auth"
	"Ceremony/internal/ceremony"
	"Ceremony/internal/logger"
)

// Error codes carried by failure envelopes.
const (
	CodeInvalidInput    = "invalid_input"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeStateConflict   = "state_conflict"
	CodeConflict        = "conflict"
	CodeStorage         = "storage_error"
	CodeInternal        = "internal"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Status  string          `json:"status"`            // Status is "ok" or "error"
	Result  json.RawMessage `json:"result,omitempty"`  // Result is the success payload
	Code    string          `json:"code,omitempty"`    // Code classifies a failure
	Message string          `json:"message,omitempty"` // Message describes a failure
}

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	result, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "encode response")
		return
	}

	writeEnvelope(w, status, Envelope{Status: "ok", Result: result})
}

// writeError writes a failure envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, Envelope{Status: "error", Code: code, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// writeFailure maps an error onto its status and code.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "error", err)
	}

	writeError(w, status, code, err.Error())
}

// classify returns the HTTP status and error code for an error.
func classify(err error) (int, string) {
	var maxErr *http.MaxBytesError

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, ceremony.ErrInvalidInput), errors.As(err, &maxErr):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, ceremony.ErrStateConflict):
		return http.StatusConflict, CodeStateConflict
	case errors.Is(err, ceremony.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ceremony.ErrStorage):
		return http.StatusBadGateway, CodeStorage
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
