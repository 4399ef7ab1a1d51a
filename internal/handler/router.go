package handler

import (
	"net/http"
	"strings"

	"github.com/dmelo/convoy/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	deploymentHandler *DeploymentHandler
	buildHandler      *BuildHandler
	jobHandler        *JobHandler
	healthHandler     *HealthHandler
	corsConfig        middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	deploymentHandler *DeploymentHandler,
	buildHandler *BuildHandler,
	jobHandler *JobHandler,
	healthHandler *HealthHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		deploymentHandler: deploymentHandler,
		buildHandler:      buildHandler,
		jobHandler:        jobHandler,
		healthHandler:     healthHandler,
		corsConfig:        corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints (no middleware)
	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)

	// API endpoints
	mux.HandleFunc("/api/v1/deployments", rt.handleDeployments)
	mux.HandleFunc("/api/v1/deployments/", rt.handleDeploymentsWithID)
	mux.HandleFunc("/api/v1/builds", rt.handleBuilds)
	mux.HandleFunc("/api/v1/builds/", rt.handleBuildsWithVersion)
	mux.HandleFunc("/api/v1/jobs/", rt.handleJobsWithID)

	// Apply middleware (CORS first to handle preflight requests)
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}

// handleDeployments routes deployment collection endpoints
func (rt *Router) handleDeployments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.deploymentHandler.List(w, r)
	case http.MethodPost:
		rt.deploymentHandler.Create(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleDeploymentsWithID routes individual deployment endpoints
func (rt *Router) handleDeploymentsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/deployments/")
	if strings.HasSuffix(path, "/checks") {
		rt.deploymentHandler.Checks(w, r)
		return
	}

	rt.deploymentHandler.Get(w, r)
}

// handleBuilds routes build collection endpoints
func (rt *Router) handleBuilds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.buildHandler.List(w, r)
	case http.MethodPost:
		rt.buildHandler.Register(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBuildsWithVersion routes individual build endpoints
func (rt *Router) handleBuildsWithVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.buildHandler.Get(w, r)
}

// handleJobsWithID routes async job status endpoints
func (rt *Router) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.jobHandler.Get(w, r)
}
