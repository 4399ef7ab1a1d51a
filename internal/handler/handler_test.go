package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmelo/convoy/internal/database"
	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/health"
	"github.com/dmelo/convoy/internal/lock"
	"github.com/dmelo/convoy/internal/model"
	"github.com/dmelo/convoy/internal/service"
	"github.com/dmelo/convoy/internal/worker"
	"github.com/dmelo/convoy/pkg/middleware"
)

type fixedFleets struct {
	fleet []deploy.Instance
}

func (f *fixedFleets) Fleet(_ context.Context, _ string) ([]deploy.Instance, error) {
	return f.fleet, nil
}

type fixedRollout struct {
	status deploy.Status
}

func (f *fixedRollout) Deploy(_ context.Context, _ deploy.Ownership, _ []deploy.Instance, version string, _ deploy.Config) *deploy.Result {
	return &deploy.Result{
		Version:    version,
		Status:     f.status,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
}

type testServer struct {
	handler   http.Handler
	lockStore *lock.MemoryStore
	pool      *worker.Pool
}

func newTestServer(t *testing.T, status deploy.Status) *testServer {
	t.Helper()

	buildRepo := database.NewMemoryBuildResultRepository()
	require.NoError(t, buildRepo.Create(context.Background(), &model.BuildResult{Version: "v2"}))

	lockStore := lock.NewMemoryStore()
	deployService := service.NewDeployService(
		database.NewMemoryDeploymentRepository(),
		buildRepo,
		database.NewMemoryHealthCheckRepository(),
		&fixedFleets{fleet: []deploy.Instance{{ID: "i-01", Address: "10.0.0.1", Version: "v1"}}},
		&fixedRollout{status: status},
		lockStore,
	)

	pool := worker.NewPool(1, 4)
	asyncService := service.NewAsyncDeployService(deployService, pool, model.NewJobStatusStore())
	pool.Start()
	t.Cleanup(pool.Stop)

	router := NewRouter(
		NewDeploymentHandler(deployService, asyncService),
		NewBuildHandler(service.NewBuildService(buildRepo)),
		NewJobHandler(asyncService),
		NewHealthHandler(nil, "test"),
		middleware.CORSConfig{AllowedOrigins: "*"},
	)

	return &testServer{
		handler:   router.Handler(),
		lockStore: lockStore,
		pool:      pool,
	}
}

func deployBody(t *testing.T, target string) *strings.Reader {
	t.Helper()

	body, err := json.Marshal(model.DeployRequest{
		Target:  target,
		Version: "v2",
		CheckSpec: health.Spec{
			Kind:    health.KindTCP,
			Address: "%s:8080",
		},
	})
	require.NoError(t, err)
	return strings.NewReader(string(body))
}

func TestCreateDeploymentSync(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", deployBody(t, "api"))
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var deployment model.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployment))
	assert.Equal(t, deploy.StatusSucceeded, deployment.Status)
	assert.Equal(t, "api", deployment.Target)
}

func TestCreateDeploymentRolledBackStillOK(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusRolledBack)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", deployBody(t, "api"))
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var deployment model.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployment))
	assert.Equal(t, deploy.StatusRolledBack, deployment.Status)
}

func TestCreateDeploymentValidationError(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", deployBody(t, ""))
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDeploymentConflictWhenLocked(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	holder := lock.New(ts.lockStore, "deploy:api")
	acquired, err := holder.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, acquired)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", deployBody(t, "api"))
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateDeploymentAsync(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployments?async=true", deployBody(t, "api"))
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted AsyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	// Poll the job endpoint until the rollout completes.
	deadline := time.After(5 * time.Second)
	for {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+accepted.JobID, nil)
		ts.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var status model.JobStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		if status.Status == service.JobStatusCompleted {
			require.NotNil(t, status.Deployment)
			assert.Equal(t, deploy.StatusSucceeded, status.Deployment.Status)
			return
		}

		select {
		case <-deadline:
			t.Fatalf("job %s did not complete, last status %q", accepted.JobID, status.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAndListBuilds(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds",
		strings.NewReader(`{"version":"v3","image_ref":"registry.example.com/api:v3"}`))
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil)
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var builds []model.BuildResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &builds))
	assert.Len(t, builds, 2)
}

func TestListDeploymentsEmpty(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Deployments)
	assert.Zero(t, list.Total)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, deploy.StatusSucceeded)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/deployments", nil)
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
