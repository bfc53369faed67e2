package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError matches the Anthropic error response format.
type APIError struct {
	Type  string       `json:"type"`
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Type: "error",
		Error: APIErrorBody{
			Type:    errType,
			Message: message,
		},
	})
}

// WriteAPIError reports any failure of the proxy or the upstream session,
// including unreadable request bodies.
func WriteAPIError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "api_error", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "not_found_error", message)
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
