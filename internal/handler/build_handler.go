package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dmelo/convoy/internal/service"
)

// BuildHandler handles build artifact registration
type BuildHandler struct {
	builds *service.BuildService
}

// NewBuildHandler creates a new build handler
func NewBuildHandler(builds *service.BuildService) *BuildHandler {
	return &BuildHandler{builds: builds}
}

// Register handles POST /api/v1/builds
func (h *BuildHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	build, err := h.builds.Register(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, build)
}

// List handles GET /api/v1/builds
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	builds, err := h.builds.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, builds)
}

// Get handles GET /api/v1/builds/{version}
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	version := strings.TrimPrefix(r.URL.Path, "/api/v1/builds/")
	if version == "" {
		writeError(w, http.StatusBadRequest, "Build version is required")
		return
	}

	build, err := h.builds.GetByVersion(r.Context(), version)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, build)
}
