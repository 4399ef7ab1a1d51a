package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/model"
)

// In-memory repository variants. They satisfy the same ports as the Mongo
// repositories and back tests and the local dry-run mode; nothing here is
// durable.

// MemoryDeploymentRepository is an in-memory DeploymentRepository.
type MemoryDeploymentRepository struct {
	mu          sync.RWMutex
	deployments map[primitive.ObjectID]model.Deployment
}

// NewMemoryDeploymentRepository creates an empty in-memory deployment repository.
func NewMemoryDeploymentRepository() *MemoryDeploymentRepository {
	return &MemoryDeploymentRepository{
		deployments: make(map[primitive.ObjectID]model.Deployment),
	}
}

// Create implements the deployment port.
func (r *MemoryDeploymentRepository) Create(_ context.Context, deployment *model.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deployment.ID.IsZero() {
		deployment.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = now
	}
	deployment.UpdatedAt = now

	r.deployments[deployment.ID] = *deployment
	return nil
}

// GetByID implements the deployment port.
func (r *MemoryDeploymentRepository) GetByID(_ context.Context, id primitive.ObjectID) (*model.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deployment, ok := r.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &deployment, nil
}

// GetLatestForTarget implements the deployment port.
func (r *MemoryDeploymentRepository) GetLatestForTarget(_ context.Context, target string) (*model.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *model.Deployment
	for id := range r.deployments {
		deployment := r.deployments[id]
		if deployment.Target != target {
			continue
		}
		if latest == nil || deployment.CreatedAt.After(latest.CreatedAt) {
			copied := deployment
			latest = &copied
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// List implements the deployment port.
func (r *MemoryDeploymentRepository) List(_ context.Context, target string, page, limit int) ([]model.Deployment, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []model.Deployment
	for _, deployment := range r.deployments {
		if target != "" && deployment.Target != target {
			continue
		}
		all = append(all, deployment)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// UpdateResult implements the deployment port.
func (r *MemoryDeploymentRepository) UpdateResult(_ context.Context, id primitive.ObjectID, result *deploy.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deployment, ok := r.deployments[id]
	if !ok {
		return ErrNotFound
	}
	deployment.Status = result.Status
	deployment.Result = result
	deployment.UpdatedAt = time.Now().UTC()
	r.deployments[id] = deployment
	return nil
}

// ListDueForVerification implements the verifier port.
func (r *MemoryDeploymentRepository) ListDueForVerification(_ context.Context, now time.Time, limit int) ([]model.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []model.Deployment
	for _, deployment := range r.deployments {
		if !deployment.VerifyEnabled || deployment.Status != deploy.StatusSucceeded {
			continue
		}
		if deployment.NextVerifyAt.IsZero() || deployment.NextVerifyAt.After(now) {
			continue
		}
		due = append(due, deployment)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextVerifyAt.Before(due[j].NextVerifyAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// UpdateVerification implements the verifier port.
func (r *MemoryDeploymentRepository) UpdateVerification(_ context.Context, id primitive.ObjectID, verifiedAt, nextVerifyAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deployment, ok := r.deployments[id]
	if !ok {
		return ErrNotFound
	}
	deployment.LastVerifiedAt = verifiedAt
	deployment.NextVerifyAt = nextVerifyAt
	deployment.UpdatedAt = time.Now().UTC()
	r.deployments[id] = deployment
	return nil
}

// MemoryBuildResultRepository is an in-memory BuildResultRepository.
type MemoryBuildResultRepository struct {
	mu     sync.RWMutex
	builds map[string]model.BuildResult // keyed by version
}

// NewMemoryBuildResultRepository creates an empty in-memory build repository.
func NewMemoryBuildResultRepository() *MemoryBuildResultRepository {
	return &MemoryBuildResultRepository{
		builds: make(map[string]model.BuildResult),
	}
}

// Create implements the build port.
func (r *MemoryBuildResultRepository) Create(_ context.Context, build *model.BuildResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if build.ID.IsZero() {
		build.ID = primitive.NewObjectID()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	r.builds[build.Version] = *build
	return nil
}

// GetByVersion implements the build port.
func (r *MemoryBuildResultRepository) GetByVersion(_ context.Context, version string) (*model.BuildResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	build, ok := r.builds[version]
	if !ok {
		return nil, ErrNotFound
	}
	return &build, nil
}

// ListAll implements the build port.
func (r *MemoryBuildResultRepository) ListAll(_ context.Context) ([]model.BuildResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]model.BuildResult, 0, len(r.builds))
	for _, build := range r.builds {
		all = append(all, build)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// MemoryHealthCheckRepository is an in-memory HealthCheckRepository.
type MemoryHealthCheckRepository struct {
	mu      sync.RWMutex
	records []model.HealthCheckRecord
}

// NewMemoryHealthCheckRepository creates an empty in-memory health check repository.
func NewMemoryHealthCheckRepository() *MemoryHealthCheckRepository {
	return &MemoryHealthCheckRepository{}
}

// Create implements the health check port.
func (r *MemoryHealthCheckRepository) Create(_ context.Context, records []model.HealthCheckRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, record := range records {
		if record.ID.IsZero() {
			record.ID = primitive.NewObjectID()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		r.records = append(r.records, record)
	}
	return nil
}

// GetByDeployment implements the health check port.
func (r *MemoryHealthCheckRepository) GetByDeployment(_ context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.HealthCheckRecord
	for _, record := range r.records {
		if record.DeploymentID == deploymentID {
			out = append(out, record)
		}
	}
	return out, nil
}

// GetFailedChecks implements the health check port.
func (r *MemoryHealthCheckRepository) GetFailedChecks(_ context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.HealthCheckRecord
	for _, record := range r.records {
		if record.DeploymentID == deploymentID && !record.Result.Healthy {
			out = append(out, record)
		}
	}
	return out, nil
}
