// Package api implements the HTTP handlers for the kiln API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/kilnproject/kiln/cmd/api/config"
	"github.com/kilnproject/kiln/lib/builds"
	"github.com/kilnproject/kiln/lib/images"
)

// ApiService holds the handlers' dependencies.
type ApiService struct {
	Config       *config.Config
	BuildManager builds.Manager
	ImageManager images.Manager
}

// New creates a new ApiService
func New(
	config *config.Config,
	buildManager builds.Manager,
	imageManager images.Manager,
) *ApiService {
	return &ApiService{
		Config:       config,
		BuildManager: buildManager,
		ImageManager: imageManager,
	}
}

// apiError is the error payload returned by all endpoints.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, apiError{Code: code, Message: message})
}
