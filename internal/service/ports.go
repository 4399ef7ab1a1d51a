package service

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/model"
)

// Persistence ports consumed by the deploy service. The MongoDB variants
// live in internal/database alongside in-memory variants for tests; the
// service never depends on a specific storage technology.

// DeploymentRepository persists deployment entities.
type DeploymentRepository interface {
	Create(ctx context.Context, deployment *model.Deployment) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*model.Deployment, error)
	GetLatestForTarget(ctx context.Context, target string) (*model.Deployment, error)
	List(ctx context.Context, target string, page, limit int) ([]model.Deployment, int64, error)
	UpdateResult(ctx context.Context, id primitive.ObjectID, result *deploy.Result) error
}

// BuildResultRepository stores artifact records deploy requests are
// validated against.
type BuildResultRepository interface {
	Create(ctx context.Context, build *model.BuildResult) error
	GetByVersion(ctx context.Context, version string) (*model.BuildResult, error)
	ListAll(ctx context.Context) ([]model.BuildResult, error)
}

// HealthCheckRepository stores probe results per deployment.
type HealthCheckRepository interface {
	Create(ctx context.Context, records []model.HealthCheckRecord) error
	GetByDeployment(ctx context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error)
	GetFailedChecks(ctx context.Context, deploymentID primitive.ObjectID) ([]model.HealthCheckRecord, error)
}

// FleetProvider resolves the current fleet for a logical target.
type FleetProvider interface {
	Fleet(ctx context.Context, target string) ([]deploy.Instance, error)
}

// Rollout runs a batched rollout. Satisfied by *deploy.RollingDeployer.
type Rollout interface {
	Deploy(ctx context.Context, own deploy.Ownership, fleet []deploy.Instance, version string, cfg deploy.Config) *deploy.Result
}
