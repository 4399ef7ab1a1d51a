package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dmelo/convoy/internal/model"
	"github.com/dmelo/convoy/internal/service"
	"github.com/dmelo/convoy/pkg/middleware"
)

// DeploymentHandler handles deployment operations
type DeploymentHandler struct {
	deploys *service.DeployService
	async   *service.AsyncDeployService
}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler(deploys *service.DeployService, async *service.AsyncDeployService) *DeploymentHandler {
	return &DeploymentHandler{
		deploys: deploys,
		async:   async,
	}
}

// AsyncResponse represents an accepted async deploy
type AsyncResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ListResponse wraps a deployment listing with pagination info
type ListResponse struct {
	Deployments []model.DeploymentListItem `json:"deployments"`
	Total       int64                      `json:"total"`
	Page        int                        `json:"page"`
	Limit       int                        `json:"limit"`
}

// Create handles POST /api/v1/deployments
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	if parseQueryBool(r, "async") {
		jobID, err := h.async.Submit(r.Context(), &req, correlationID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, AsyncResponse{
			JobID:   jobID,
			Status:  service.JobStatusQueued,
			Message: "Deployment queued successfully",
		})
		return
	}

	// Sync: the response carries the terminal deployment. A rollout that
	// rolled back or failed is still a 200; only machinery errors map to
	// error statuses.
	deployment, err := h.deploys.Deploy(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deployment)
}

// List handles GET /api/v1/deployments
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	page := parseQueryInt(r, "page", 1)
	limit := parseQueryInt(r, "limit", 20)

	items, total, err := h.deploys.ListDeployments(r.Context(), target, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Deployments: items,
		Total:       total,
		Page:        page,
		Limit:       limit,
	})
}

// Get handles GET /api/v1/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Deployment ID is required")
		return
	}

	deployment, err := h.deploys.GetDeployment(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deployment)
}

// Checks handles GET /api/v1/deployments/{id}/checks
func (h *DeploymentHandler) Checks(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
	id := strings.TrimSuffix(path, "/checks")
	if id == "" || id == path {
		writeError(w, http.StatusBadRequest, "Deployment ID is required")
		return
	}

	records, err := h.deploys.GetChecks(r.Context(), id, parseQueryBool(r, "failed"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}
