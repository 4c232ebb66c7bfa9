package rest

import "net/http"

// HandleHealth reports that the process is up.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}
