package httpapi

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body written on any non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries one of the closed error codes.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidJSON       = "invalid_json"
	ErrCodeSessionLimit      = "session_limit_reached"
	ErrCodeSessionIDGen      = "session_id_gen_error"
	ErrCodeSessionSpawn      = "session_spawn_error"
	ErrCodeInvalidSessionID  = "invalid_session_id"
	ErrCodeSessionNotFound   = "session_not_found"
	ErrCodeInvalidMessage    = "invalid_message_type"
	ErrCodeTokenInvalid      = "token_invalid"
	ErrCodeAgentError        = "agent_error"
	ErrCodeStorageError      = "storage_error"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// accepted acknowledges that a command was enqueued on a relay/session
// inbox. The core is fire-and-forget past this point; the caller learns
// the outcome over its SSE subscription (command_response, session
// update, or a message-topic error), not from this response body.
func accepted(w http.ResponseWriter, requestID, sessionID string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"session_id": sessionID,
	})
}
