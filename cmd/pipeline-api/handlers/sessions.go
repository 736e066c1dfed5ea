package handlers

import (
	"net/http"

	"github.com/google/uuid"
)

// SessionDTO carries a freshly issued session id.
type SessionDTO struct {
	SessionID string `json:"sessionId"`
}

// CreateSession handles POST /sessions. Clients open the progress stream with
// the returned id before uploading.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, SessionDTO{SessionID: uuid.NewString()})
}
