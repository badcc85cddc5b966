// Package api defines the wire contracts of the HTTP surface and the helpers
// that write them. It decouples the API shapes from the internal domain
// models.
package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Success writes a JSON response with the given status.
func Success(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error writes a standardized error body.
func Error(w http.ResponseWriter, statusCode int, message string) {
	ErrorWithCode(w, statusCode, "", message)
}

// ErrorWithCode writes a standardized error body carrying a machine-readable
// code.
func ErrorWithCode(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
