package handler

import (
	"net/http"
	"strings"

	"github.com/dmelo/convoy/internal/service"
)

// JobHandler exposes async deploy job statuses
type JobHandler struct {
	async *service.AsyncDeployService
}

// NewJobHandler creates a new job handler
func NewJobHandler(async *service.AsyncDeployService) *JobHandler {
	return &JobHandler{async: async}
}

// Get handles GET /api/v1/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.async.Status(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}
