package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kilnproject/kiln/lib/bootstrap"
	"github.com/kilnproject/kiln/lib/builds"
	"github.com/kilnproject/kiln/lib/logger"
)

// maxSpecBytes bounds the kiln.yaml part of a build upload.
const maxSpecBytes = 1 << 20

// ListBuilds returns all builds
func (s *ApiService) ListBuilds(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	list, err := s.BuildManager.ListBuilds(r.Context())
	if err != nil {
		log.ErrorContext(r.Context(), "failed to list builds", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list builds")
		return
	}

	respondJSON(w, http.StatusOK, list)
}

// CreateBuild accepts a multipart upload with a "source" context tarball and
// a "spec" kiln.yaml, and enqueues a build.
func (s *ApiService) CreateBuild(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart form required")
		return
	}

	var sourceData []byte
	var specYAML string
	var timeoutSeconds int

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "failed to parse multipart form")
			return
		}

		switch part.FormName() {
		case "source":
			sourceData, err = io.ReadAll(part)
			if err != nil {
				part.Close()
				respondError(w, http.StatusBadRequest, "invalid_source", "failed to read source data")
				return
			}
		case "spec":
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, io.LimitReader(part, maxSpecBytes)); err != nil {
				part.Close()
				respondError(w, http.StatusBadRequest, "invalid_spec", "failed to read spec")
				return
			}
			specYAML = buf.String()
		case "timeout_seconds":
			var buf bytes.Buffer
			io.Copy(&buf, part)
			if v, err := strconv.Atoi(buf.String()); err == nil {
				timeoutSeconds = v
			}
		}
		part.Close()
	}

	req := builds.CreateBuildRequest{
		SpecYAML:       specYAML,
		TimeoutSeconds: timeoutSeconds,
	}

	build, err := s.BuildManager.CreateBuild(r.Context(), req, sourceData)
	if err != nil {
		switch {
		case errors.Is(err, builds.ErrSourceRequired):
			respondError(w, http.StatusBadRequest, "source_required", err.Error())
		case errors.Is(err, builds.ErrSpecRequired):
			respondError(w, http.StatusBadRequest, "spec_required", err.Error())
		case errors.Is(err, bootstrap.ErrInvalidSpec):
			respondError(w, http.StatusBadRequest, "invalid_spec", err.Error())
		case errors.Is(err, bootstrap.ErrRunsAsRoot):
			respondError(w, http.StatusBadRequest, "runs_as_root", err.Error())
		default:
			log.ErrorContext(r.Context(), "failed to create build", "error", err)
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to create build")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, build)
}

// GetBuild gets build details
func (s *ApiService) GetBuild(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	build, err := s.BuildManager.GetBuild(r.Context(), id)
	if err != nil {
		if errors.Is(err, builds.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "build not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to get build", "error", err, "build_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get build")
		return
	}

	respondJSON(w, http.StatusOK, build)
}

// CancelBuild cancels a queued or running build
func (s *ApiService) CancelBuild(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	err := s.BuildManager.CancelBuild(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, builds.ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "build not found")
		case errors.Is(err, builds.ErrBuildInProgress):
			respondError(w, http.StatusConflict, "conflict", "build was already picked up")
		case errors.Is(err, builds.ErrBuildComplete):
			respondError(w, http.StatusConflict, "conflict", err.Error())
		default:
			log.ErrorContext(r.Context(), "failed to cancel build", "error", err, "build_id", id)
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel build")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
