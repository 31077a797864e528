package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnproject/kiln/lib/images"
	"github.com/kilnproject/kiln/lib/logger"
)

// ListImages returns all exported images
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	list, err := s.ImageManager.ListImages(r.Context())
	if err != nil {
		log.ErrorContext(r.Context(), "failed to list images", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list images")
		return
	}

	respondJSON(w, http.StatusOK, list)
}

// GetImage returns one exported image
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	img, err := s.ImageManager.GetImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to get image", "error", err, "image_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get image")
		return
	}

	respondJSON(w, http.StatusOK, img)
}

// UnpackImage unpacks an image's rootfs on disk for inspection
func (s *ApiService) UnpackImage(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	rootfs, err := s.ImageManager.UnpackImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to unpack image", "error", err, "image_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to unpack image")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"id": id, "rootfs": rootfs})
}

// DeleteImage removes an exported image
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.ImageManager.DeleteImage(r.Context(), id); err != nil {
		if errors.Is(err, images.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to delete image", "error", err, "image_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to delete image")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
