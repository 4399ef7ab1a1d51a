// Package verifier re-runs the health suite of succeeded deployments on
// their cron schedule. Each run takes a short-lived per-target lock so
// only one replica verifies a given target at a time.
package verifier

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/config"
	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/health"
	"github.com/dmelo/convoy/internal/lock"
	"github.com/dmelo/convoy/internal/model"
)

// DeploymentStore is the slice of the deployment repository the verifier
// needs.
type DeploymentStore interface {
	ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]model.Deployment, error)
	UpdateVerification(ctx context.Context, id primitive.ObjectID, verifiedAt, nextVerifyAt time.Time) error
}

// RecordStore persists the probe results a verification run produces.
type RecordStore interface {
	Create(ctx context.Context, records []model.HealthCheckRecord) error
}

// FleetProvider resolves the current fleet for a target.
type FleetProvider interface {
	Fleet(ctx context.Context, target string) ([]deploy.Instance, error)
}

// Gate runs one probe with retries.
type Gate interface {
	CheckWithRetry(ctx context.Context, spec health.Spec) health.Result
}

// expiredLockCleaner is implemented by lock stores that can garbage
// collect leases left behind by crashed holders.
type expiredLockCleaner interface {
	CleanExpiredLocks(ctx context.Context) (int64, error)
}

// Verifier handles scheduled post-deploy verification with distributed
// locking.
type Verifier struct {
	cfg         *config.Config
	deployments DeploymentStore
	records     RecordStore
	fleets      FleetProvider
	gate        Gate
	lockStore   lock.Store
	podID       string
	ticker      *time.Ticker
	stopChan    chan struct{}
	wg          sync.WaitGroup
	semaphore   chan struct{} // Limits concurrent verifications
}

// New creates a verifier instance.
func New(
	cfg *config.Config,
	deployments DeploymentStore,
	records RecordStore,
	fleets FleetProvider,
	gate Gate,
	lockStore lock.Store,
) *Verifier {
	// Pod identifier (hostname in Kubernetes).
	podID, err := os.Hostname()
	if err != nil {
		podID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as pod ID", "pod_id", podID)
	}

	return &Verifier{
		cfg:         cfg,
		deployments: deployments,
		records:     records,
		fleets:      fleets,
		gate:        gate,
		lockStore:   lockStore,
		podID:       podID,
		stopChan:    make(chan struct{}),
		semaphore:   make(chan struct{}, cfg.VerifierConcurrency),
	}
}

// Start begins the verifier tick loop.
func (v *Verifier) Start(ctx context.Context) {
	if !v.cfg.VerifierEnabled {
		slog.Info("Verifier is disabled by configuration")
		return
	}

	slog.Info("Starting verifier",
		"pod_id", v.podID,
		"tick_interval", v.cfg.VerifierTickInterval,
		"lock_ttl", v.cfg.VerifierLockTTL,
		"concurrency", v.cfg.VerifierConcurrency,
	)

	v.ticker = time.NewTicker(v.cfg.VerifierTickInterval)
	v.wg.Add(1)

	go v.run(ctx)
}

// Stop gracefully stops the verifier.
func (v *Verifier) Stop(ctx context.Context) {
	if !v.cfg.VerifierEnabled {
		return
	}

	slog.Info("Stopping verifier", "pod_id", v.podID)

	close(v.stopChan)
	if v.ticker != nil {
		v.ticker.Stop()
	}

	// Wait for in-flight verifications with timeout.
	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("All verification runs completed")
	case <-ctx.Done():
		slog.Warn("Timeout waiting for verification runs to complete")
	}

	slog.Info("Verifier stopped", "pod_id", v.podID)
}

// run is the main verifier loop.
func (v *Verifier) run(ctx context.Context) {
	defer v.wg.Done()

	// Run immediately on start.
	v.tick(ctx)

	for {
		select {
		case <-v.ticker.C:
			v.tick(ctx)
		case <-v.stopChan:
			return
		case <-ctx.Done():
			slog.Info("Verifier context done", "pod_id", v.podID)
			return
		}
	}
}

// tick processes one verifier tick.
func (v *Verifier) tick(ctx context.Context) {
	now := time.Now().UTC()

	// Clean leases left behind by crashed holders first.
	if cleaner, ok := v.lockStore.(expiredLockCleaner); ok {
		if cleaned, err := cleaner.CleanExpiredLocks(ctx); err != nil {
			slog.Error("Failed to clean expired locks", "error", err)
		} else if cleaned > 0 {
			slog.Info("Cleaned expired locks", "count", cleaned)
		}
	}

	due, err := v.deployments.ListDueForVerification(ctx, now, v.cfg.VerifierBatchLimit)
	if err != nil {
		slog.Error("Failed to list deployments due for verification", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	slog.Info("Found deployments due for verification",
		"pod_id", v.podID,
		"count", len(due),
	)

	for _, deployment := range due {
		targetLock := lock.New(v.lockStore, "verify:"+deployment.Target,
			lock.WithTTL(v.cfg.VerifierLockTTL),
		)
		acquired, err := targetLock.Acquire(ctx, 0)
		if err != nil {
			slog.Error("Failed to acquire verification lock",
				"deployment_id", deployment.ID.Hex(),
				"target", deployment.Target,
				"error", err,
			)
			continue
		}
		if !acquired {
			slog.Debug("Verification lock already held by another pod",
				"target", deployment.Target,
			)
			continue
		}

		v.wg.Add(1)
		go v.verify(ctx, deployment, targetLock)
	}
}

// verify runs the health suite for one deployment and releases its lock.
func (v *Verifier) verify(ctx context.Context, deployment model.Deployment, targetLock *lock.Lock) {
	defer v.wg.Done()
	defer func() {
		if _, err := targetLock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Failed to release verification lock",
				"target", deployment.Target,
				"error", err,
			)
		}
	}()

	// Acquire semaphore slot (limit concurrent verifications).
	select {
	case v.semaphore <- struct{}{}:
		defer func() { <-v.semaphore }()
	case <-v.stopChan:
		return
	case <-ctx.Done():
		return
	}

	start := time.Now()

	fleet, err := v.fleets.Fleet(ctx, deployment.Target)
	if err != nil {
		slog.Error("Failed to resolve fleet for verification",
			"deployment_id", deployment.ID.Hex(),
			"target", deployment.Target,
			"error", err,
		)
		return
	}

	records := make([]model.HealthCheckRecord, 0, len(fleet))
	unhealthy := 0
	for _, instance := range fleet {
		result := v.gate.CheckWithRetry(ctx, deployment.CheckSpec.ForInstance(instance.Address))
		if !result.Healthy {
			unhealthy++
		}
		records = append(records, model.HealthCheckRecord{
			ID:           primitive.NewObjectID(),
			DeploymentID: deployment.ID,
			Result:       result,
			CreatedAt:    result.CheckedAt,
		})
	}

	if len(records) > 0 {
		if err := v.records.Create(ctx, records); err != nil {
			slog.Error("Failed to persist verification records",
				"deployment_id", deployment.ID.Hex(),
				"error", err,
			)
		}
	}

	if unhealthy > 0 {
		slog.Warn("Post-deploy verification found unhealthy instances",
			"deployment_id", deployment.ID.Hex(),
			"target", deployment.Target,
			"unhealthy", unhealthy,
			"fleet_size", len(fleet),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		slog.Info("Post-deploy verification passed",
			"deployment_id", deployment.ID.Hex(),
			"target", deployment.Target,
			"fleet_size", len(fleet),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if err := v.updateNextRun(ctx, deployment); err != nil {
		slog.Error("Failed to update next verification run",
			"deployment_id", deployment.ID.Hex(),
			"error", err,
		)
	}
}

// updateNextRun advances the deployment's verification schedule.
func (v *Verifier) updateNextRun(ctx context.Context, deployment model.Deployment) error {
	now := time.Now().UTC()
	next, err := model.NextVerifyTime(deployment.VerifySchedule, now)
	if err != nil {
		return err
	}
	return v.deployments.UpdateVerification(ctx, deployment.ID, now, next)
}
