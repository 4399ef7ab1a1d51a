package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmelo/convoy/internal/health"
)

// RollingDeployer executes batched rollouts gated on instance health.
// Batches are strictly sequential; instance health checks within a batch
// run concurrently. The deployer converts every failure mode into a
// terminal Result with a human-readable reason instead of returning raw
// errors for rollout-level conditions.
type RollingDeployer struct {
	cloud CloudTargetClient
	gate  Gate
}

// NewRollingDeployer creates a deployer over the given cloud client and
// health gate.
func NewRollingDeployer(cloud CloudTargetClient, gate Gate) *RollingDeployer {
	return &RollingDeployer{
		cloud: cloud,
		gate:  gate,
	}
}

// Partition splits the fleet into ordered batches per cfg. A batch larger
// than the remaining fleet is clamped to the remainder.
func Partition(fleet []Instance, cfg Config) []Batch {
	if len(fleet) == 0 {
		return nil
	}

	size := cfg.batchSizeFor(len(fleet))
	var batches []Batch
	for start := 0; start < len(fleet); start += size {
		end := start + size
		if end > len(fleet) {
			end = len(fleet)
		}
		batches = append(batches, Batch{
			Number:    len(batches) + 1,
			Instances: fleet[start:end],
		})
	}
	return batches
}

// Deploy rolls version onto the fleet. The caller must hold the
// distributed lock for the target; own is consulted at every batch
// boundary and a lost lease aborts the rollout with best-effort rollback.
func (d *RollingDeployer) Deploy(ctx context.Context, own Ownership, fleet []Instance, version string, cfg Config) *Result {
	result := &Result{
		DeploymentID: uuid.NewString(),
		Version:      version,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
	}

	batches := Partition(fleet, cfg)
	if len(batches) == 0 {
		// Nothing to replace: an empty fleet is a successful no-op.
		result.Status = StatusSucceeded
		result.FinishedAt = time.Now().UTC()
		return result
	}

	slog.Info("Starting rolling deployment",
		"deployment_id", result.DeploymentID,
		"version", version,
		"fleet_size", len(fleet),
		"batches", len(batches),
	)

	result.Status = StatusInProgress

	// Instances already replaced, grouped by batch in application order.
	// Each Instance still carries its pre-rollout version, so restoring a
	// partially rolled-out fleet puts every instance back where it was.
	var changed [][]Instance

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			reason := fmt.Sprintf("deployment cancelled before batch %d: %v", batch.Number, err)
			d.rollBack(ctx, result, changed, reason)
			result.FinishedAt = time.Now().UTC()
			return result
		}

		held, err := own.IsHeldByUs(ctx)
		if err != nil || !held {
			reason := fmt.Sprintf("%v before batch %d", ErrLockLost, batch.Number)
			if err != nil {
				reason = fmt.Sprintf("lock ownership uncertain before batch %d: %v", batch.Number, err)
			}
			d.bestEffortRestore(ctx, changed)
			result.Status = StatusFailed
			result.RollbackReason = reason
			result.FinishedAt = time.Now().UTC()
			slog.Error("Aborting deployment, lock ownership lost",
				"deployment_id", result.DeploymentID,
				"batch", batch.Number,
			)
			return result
		}

		outcome := BatchOutcome{
			Number:      batch.Number,
			InstanceIDs: instanceIDs(batch.Instances),
		}

		provision, provErr := d.cloud.ReplaceInstances(ctx, batch.Instances, version)
		changedInBatch := instancesByID(batch.Instances, provision.Succeeded())
		if len(changedInBatch) > 0 {
			changed = append(changed, changedInBatch)
		}

		if provErr != nil || len(provision.Failed()) > 0 {
			reason := provisionFailureReason(batch.Number, provision, provErr)
			outcome.Error = reason
			result.Batches = append(result.Batches, outcome)

			if len(changed) == 0 {
				// Nothing in the fleet was touched, so there is nothing to
				// roll back.
				result.Status = StatusFailed
				result.RollbackReason = reason
			} else {
				d.rollBack(ctx, result, changed, reason)
			}
			result.FinishedAt = time.Now().UTC()
			return result
		}

		checks := d.checkBatch(ctx, batch, cfg.CheckSpec)
		outcome.Checks = checks
		result.Checks = append(result.Checks, checks...)

		if unhealthy, ok := firstUnhealthy(checks); ok {
			reason := fmt.Sprintf("instance %s in batch %d failed health check: %s",
				unhealthy.Target, batch.Number, unhealthy.Diagnostic)
			outcome.Error = reason
			result.Batches = append(result.Batches, outcome)
			d.rollBack(ctx, result, changed, reason)
			result.FinishedAt = time.Now().UTC()
			return result
		}

		outcome.Healthy = true
		result.Batches = append(result.Batches, outcome)

		slog.Info("Batch deployed and healthy",
			"deployment_id", result.DeploymentID,
			"batch", batch.Number,
			"instances", len(batch.Instances),
		)
	}

	result.Status = StatusSucceeded
	result.FinishedAt = time.Now().UTC()

	slog.Info("Rolling deployment succeeded",
		"deployment_id", result.DeploymentID,
		"version", version,
		"batches", len(result.Batches),
	)

	return result
}

// checkBatch probes every instance of the batch concurrently. The probes
// are independent reads, so they can be issued together and awaited as a
// group.
func (d *RollingDeployer) checkBatch(ctx context.Context, batch Batch, spec health.Spec) []health.Result {
	results := make([]health.Result, len(batch.Instances))

	g, gctx := errgroup.WithContext(ctx)
	for i, instance := range batch.Instances {
		i, instance := i, instance
		g.Go(func() error {
			results[i] = d.gate.CheckWithRetry(gctx, spec.ForInstance(instance.Address))
			return nil
		})
	}
	// Probe goroutines never return errors; failures are data in results.
	_ = g.Wait()

	return results
}

// rollBack restores every changed instance, newest batch first, and moves
// the state machine to rolled_back.
func (d *RollingDeployer) rollBack(ctx context.Context, result *Result, changed [][]Instance, reason string) {
	result.Status = StatusRollingBack
	result.RollbackReason = reason

	slog.Warn("Rolling back deployment",
		"deployment_id", result.DeploymentID,
		"reason", reason,
		"batches_to_restore", len(changed),
	)

	d.bestEffortRestore(ctx, changed)
	result.Status = StatusRolledBack
}

// bestEffortRestore returns changed instances to their recorded previous
// versions in reverse order of application. Restore failures are logged;
// there is no further recovery level to escalate to.
func (d *RollingDeployer) bestEffortRestore(ctx context.Context, changed [][]Instance) {
	// Rollback must proceed even when the rollout context was cancelled.
	restoreCtx := context.WithoutCancel(ctx)

	for i := len(changed) - 1; i >= 0; i-- {
		provision, err := d.cloud.RestoreInstances(restoreCtx, changed[i])
		if err != nil {
			slog.Error("Failed to restore instances during rollback",
				"instances", instanceIDs(changed[i]),
				"error", err,
			)
			continue
		}
		for _, failed := range provision.Failed() {
			slog.Error("Instance restore failed during rollback",
				"instance_id", failed.InstanceID,
				"error", failed.Error,
			)
		}
	}
}

func provisionFailureReason(batchNumber int, provision ProvisionResult, err error) string {
	if err != nil {
		return fmt.Sprintf("provisioning batch %d failed: %v", batchNumber, err)
	}
	failed := provision.Failed()
	return fmt.Sprintf("provisioning batch %d failed for instance %s: %s",
		batchNumber, failed[0].InstanceID, failed[0].Error)
}

func firstUnhealthy(checks []health.Result) (health.Result, bool) {
	for _, check := range checks {
		if !check.Healthy {
			return check, true
		}
	}
	return health.Result{}, false
}

func instanceIDs(instances []Instance) []string {
	ids := make([]string, len(instances))
	for i, instance := range instances {
		ids[i] = instance.ID
	}
	return ids
}

func instancesByID(instances []Instance, ids []string) []Instance {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []Instance
	for _, instance := range instances {
		if wanted[instance.ID] {
			out = append(out, instance)
		}
	}
	return out
}
