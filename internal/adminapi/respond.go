package adminapi

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a command error to the HTTP status its REST counterpart
// should return: "not found" errors become 404 and every other error
// becomes 400.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if isNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
