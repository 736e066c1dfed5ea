// Package handlers provides HTTP handlers for the pipeline API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorDTO is the body of every failed request.
type ErrorDTO struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	writeJSON(w, status, ErrorDTO{Success: false, Message: message, Error: detail})
}

// liftWriteDeadline clears the server write timeout for long-running
// responses. Writers that do not support deadlines are left alone.
func liftWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}
