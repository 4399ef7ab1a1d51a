package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/lock"
	"github.com/dmelo/convoy/internal/model"
	"github.com/dmelo/convoy/internal/notify"
)

// DeployService drives the deploy use case: validate the request, take
// the per-target lock, resolve the fleet, run the rolling deployer, and
// persist the outcome. Exactly one deployment per target can be in
// flight at a time; the lock enforces that across processes.
type DeployService struct {
	deployments DeploymentRepository
	builds      BuildResultRepository
	checks      HealthCheckRepository
	fleets      FleetProvider
	rollout     Rollout
	lockStore   lock.Store
	notifier    *notify.Notifier

	lockTTL     time.Duration
	lockPoll    time.Duration
	lockTimeout time.Duration
	defaults    Defaults
}

// Defaults fills request fields operators left unset. Zero fields keep
// the request untouched.
type Defaults struct {
	BatchSize     int
	BatchFraction float64
	CheckTimeout  time.Duration
	CheckRetries  int
	CheckInterval time.Duration
}

// fleetRecorder is implemented by fleet sources that track instance
// versions in memory and need to be told about successful rollouts.
// Sources that resolve live state (or perform the provisioning
// themselves) don't implement it.
type fleetRecorder interface {
	RegisterTarget(target string, instances []deploy.Instance)
}

// DeployServiceOption configures a DeployService.
type DeployServiceOption func(*DeployService)

// WithLockTTL overrides the lease duration of the per-target lock.
func WithLockTTL(ttl time.Duration) DeployServiceOption {
	return func(s *DeployService) { s.lockTTL = ttl }
}

// WithLockPollInterval overrides the retry interval used while waiting
// for a held lock.
func WithLockPollInterval(interval time.Duration) DeployServiceOption {
	return func(s *DeployService) { s.lockPoll = interval }
}

// WithLockTimeout sets how long a deploy request waits for a held lock
// before giving up. Zero means a single attempt.
func WithLockTimeout(timeout time.Duration) DeployServiceOption {
	return func(s *DeployService) { s.lockTimeout = timeout }
}

// WithDefaults sets the service-wide rollout and health-check defaults
// applied to requests that leave those fields unset.
func WithDefaults(defaults Defaults) DeployServiceOption {
	return func(s *DeployService) { s.defaults = defaults }
}

// WithNotifier attaches an outcome notifier. A nil notifier is a no-op.
func WithNotifier(n *notify.Notifier) DeployServiceOption {
	return func(s *DeployService) { s.notifier = n }
}

// NewDeployService wires the deploy use case.
func NewDeployService(
	deployments DeploymentRepository,
	builds BuildResultRepository,
	checks HealthCheckRepository,
	fleets FleetProvider,
	rollout Rollout,
	lockStore lock.Store,
	opts ...DeployServiceOption,
) *DeployService {
	s := &DeployService{
		deployments: deployments,
		builds:      builds,
		checks:      checks,
		fleets:      fleets,
		rollout:     rollout,
		lockStore:   lockStore,
		lockTTL:     10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deploy runs one rollout end to end and returns the persisted
// deployment with its terminal result.
//
// Error classes callers can branch on:
//   - *ValidationError for malformed requests
//   - *lock.AcquisitionError when another deploy holds the target
//
// A rollout that ends rolled_back or failed is not an error here: the
// deployment is persisted with that status and returned. Errors are
// reserved for the machinery around the rollout.
func (s *DeployService) Deploy(ctx context.Context, req *model.DeployRequest) (*model.Deployment, error) {
	s.ApplyDefaults(req)
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if _, err := s.builds.GetByVersion(ctx, req.Version); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown artifact version %q: %v", req.Version, err)}
	}

	timeout := s.lockTimeout
	if req.LockTimeout > 0 {
		timeout = req.LockTimeout
	}

	lockOpts := []lock.Option{lock.WithTTL(s.lockTTL)}
	if s.lockPoll > 0 {
		lockOpts = append(lockOpts, lock.WithPollInterval(s.lockPoll))
	}

	var deployment *model.Deployment
	targetLock := lock.New(s.lockStore, req.LockKey(), lockOpts...)
	err := targetLock.Do(ctx, timeout, func(ctx context.Context) error {
		var err error
		deployment, err = s.run(ctx, targetLock, req)
		return err
	})
	if err != nil {
		if lock.IsAcquisitionError(err) {
			slog.Info("Deploy rejected, target is locked",
				"target", req.Target,
				"version", req.Version,
			)
		}
		return nil, err
	}

	return deployment, nil
}

// ApplyDefaults fills unset rollout and health-check fields from the
// service-wide configuration. Must run before Validate, which bakes in
// its own fallbacks for anything still zero.
func (s *DeployService) ApplyDefaults(req *model.DeployRequest) {
	if req.BatchSize == 0 && req.BatchFraction == 0 {
		req.BatchSize = s.defaults.BatchSize
		req.BatchFraction = s.defaults.BatchFraction
	}
	if req.CheckSpec.Timeout == 0 {
		req.CheckSpec.Timeout = s.defaults.CheckTimeout
	}
	if req.CheckSpec.Retries == 0 {
		req.CheckSpec.Retries = s.defaults.CheckRetries
	}
	if req.CheckSpec.Interval == 0 {
		req.CheckSpec.Interval = s.defaults.CheckInterval
	}
}

// run executes the rollout while the target lock is held.
func (s *DeployService) run(ctx context.Context, own deploy.Ownership, req *model.DeployRequest) (*model.Deployment, error) {
	fleet, err := s.fleets.Fleet(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fleet for target %q: %w", req.Target, err)
	}

	now := time.Now()
	deployment := &model.Deployment{
		ID:          primitive.NewObjectID(),
		Target:      req.Target,
		Version:     req.Version,
		RequestedBy: req.RequestedBy,
		Status:      deploy.StatusPending,
		CheckSpec:   req.CheckSpec,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.VerifySchedule != "" {
		next, err := model.NextVerifyTime(req.VerifySchedule, now)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		deployment.VerifySchedule = req.VerifySchedule
		deployment.VerifyEnabled = true
		deployment.NextVerifyAt = next
	}
	if err := s.deployments.Create(ctx, deployment); err != nil {
		return nil, fmt.Errorf("failed to persist deployment: %w", err)
	}

	slog.Info("Deployment started",
		"deployment_id", deployment.ID.Hex(),
		"target", req.Target,
		"version", req.Version,
		"fleet_size", len(fleet),
	)

	result := s.rollout.Deploy(ctx, own, fleet, req.Version, req.RolloutConfig())
	result.DeploymentID = deployment.ID.Hex()

	if err := s.deployments.UpdateResult(ctx, deployment.ID, result); err != nil {
		// The rollout already happened; losing the record is worse than
		// a degraded response, so report and carry on with the in-memory
		// deployment.
		slog.Error("Failed to persist deployment result",
			"deployment_id", deployment.ID.Hex(),
			"error", err,
		)
	}
	deployment.Status = result.Status
	deployment.Result = result
	deployment.UpdatedAt = result.FinishedAt

	// Keep the fleet source's recorded versions current when the
	// provisioning client is not the fleet source itself. Without this a
	// later rollback would restore versions from before this deployment.
	if result.Status == deploy.StatusSucceeded {
		if recorder, ok := s.fleets.(fleetRecorder); ok {
			updated := make([]deploy.Instance, len(fleet))
			for i, instance := range fleet {
				instance.Version = req.Version
				updated[i] = instance
			}
			recorder.RegisterTarget(req.Target, updated)
		}
	}

	if err := s.recordChecks(ctx, deployment.ID, result); err != nil {
		slog.Error("Failed to persist health check records",
			"deployment_id", deployment.ID.Hex(),
			"error", err,
		)
	}

	slog.Info("Deployment finished",
		"deployment_id", deployment.ID.Hex(),
		"target", req.Target,
		"version", req.Version,
		"status", result.Status,
	)

	if notifyErr := s.notifier.NotifyOutcome(ctx, req.Target, result); notifyErr != nil {
		slog.Warn("Deployment outcome notification failed",
			"deployment_id", deployment.ID.Hex(),
			"error", notifyErr,
		)
	}

	return deployment, nil
}

// recordChecks persists every probe result the rollout collected.
func (s *DeployService) recordChecks(ctx context.Context, deploymentID primitive.ObjectID, result *deploy.Result) error {
	if len(result.Checks) == 0 {
		return nil
	}
	records := make([]model.HealthCheckRecord, 0, len(result.Checks))
	for _, check := range result.Checks {
		records = append(records, model.HealthCheckRecord{
			ID:           primitive.NewObjectID(),
			DeploymentID: deploymentID,
			Result:       check,
			CreatedAt:    check.CheckedAt,
		})
	}
	return s.checks.Create(ctx, records)
}

// GetDeployment fetches one deployment by its hex id.
func (s *DeployService) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid deployment id format"}
	}
	return s.deployments.GetByID(ctx, objectID)
}

// ListDeployments lists deployments, optionally filtered by target,
// newest first.
func (s *DeployService) ListDeployments(ctx context.Context, target string, page, limit int) ([]model.DeploymentListItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	deployments, total, err := s.deployments.List(ctx, target, page, limit)
	if err != nil {
		return nil, 0, err
	}
	items := make([]model.DeploymentListItem, 0, len(deployments))
	for i := range deployments {
		items = append(items, deployments[i].ToListItem())
	}
	return items, total, nil
}

// GetChecks returns the probe records for a deployment; failedOnly
// narrows to unhealthy results.
func (s *DeployService) GetChecks(ctx context.Context, id string, failedOnly bool) ([]model.HealthCheckRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid deployment id format"}
	}
	if _, err := s.deployments.GetByID(ctx, objectID); err != nil {
		return nil, err
	}
	if failedOnly {
		return s.checks.GetFailedChecks(ctx, objectID)
	}
	return s.checks.GetByDeployment(ctx, objectID)
}
