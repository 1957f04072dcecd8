package server

import (
	"encoding/json"
	"net/http"
)

// Error kinds surfaced in the extension error envelope.
const (
	kindInputInvalid  = "INPUT_INVALID"
	kindAuthRequired  = "AUTH_REQUIRED"
	kindAuthInvalid   = "AUTH_INVALID"
	kindModelUnknown  = "MODEL_UNKNOWN"
	kindRateLimited   = "RATE_LIMITED"
	kindUpstreamError = "UPSTREAM_ERROR"
	kindServerError   = "SERVER_ERROR"
)

// OpenAI-compatible error types for the /v1 surface.
const (
	typeAuthentication = "authentication_error"
	typeInvalidRequest = "invalid_request_error"
	typeServerError    = "server_error"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError emits the shared envelope. Internal detail never goes to the
// client; callers log it and pass a generic message here.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Message: message,
		Type:    errType,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
