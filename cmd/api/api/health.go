package api

import "net/http"

// GetHealth implements the health check endpoint
func (s *ApiService) GetHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Config.Version,
	})
}
