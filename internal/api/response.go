package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// envelope is the wrapped response shape used by most of the Session API
// (spec §4.8: "current document, wrapped { success, data, timestamp }").
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

// writeErr returns HTTP 500 with { success: false, error } (spec §4.8:
// "Errors are returned with HTTP 500 and { success: false, error }").
func writeErr(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: message, Timestamp: time.Now().UTC()})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Success: false, Error: "method not allowed", Timestamp: time.Now().UTC()})
		return false
	}
	return true
}
