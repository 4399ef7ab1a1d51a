package deploy

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/dmelo/convoy/internal/health"
)

// Status is the rollout state machine state. Pending and in_progress are
// transient; succeeded, rolled_back and failed are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusSucceeded   Status = "succeeded"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the state machine performs no further
// transitions from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusRolledBack || s == StatusFailed
}

// Instance is one compute target in the fleet. Version is the version the
// instance is running when handed to the deployer; the deployer records it
// per instance so rollback restores heterogeneous fleets correctly.
type Instance struct {
	ID      string `json:"id" bson:"id"`
	Address string `json:"address" bson:"address"`
	Version string `json:"version" bson:"version"`
}

// Batch is an ordered subset of the fleet replaced together.
type Batch struct {
	Number    int        `json:"number" bson:"number"`
	Instances []Instance `json:"instances" bson:"instances"`
}

// InstanceOutcome reports the provisioning result for one instance.
type InstanceOutcome struct {
	InstanceID string `json:"instance_id" bson:"instance_id"`
	OK         bool   `json:"ok" bson:"ok"`
	Error      string `json:"error,omitempty" bson:"error,omitempty"`
}

// ProvisionResult reports per-instance provisioning outcomes. Failures
// are carried here, never silently dropped.
type ProvisionResult struct {
	Outcomes []InstanceOutcome `json:"outcomes" bson:"outcomes"`
}

// Failed returns the outcomes that did not succeed.
func (r ProvisionResult) Failed() []InstanceOutcome {
	var failed []InstanceOutcome
	for _, o := range r.Outcomes {
		if !o.OK {
			failed = append(failed, o)
		}
	}
	return failed
}

// Succeeded returns the IDs of instances that were provisioned.
func (r ProvisionResult) Succeeded() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.OK {
			ids = append(ids, o.InstanceID)
		}
	}
	return ids
}

// CloudTargetClient performs the actual instance mutation primitives.
// Implementations live at the infrastructure edge (internal/cloud) or are
// injected by callers.
type CloudTargetClient interface {
	// ReplaceInstances updates the given instances to run version.
	ReplaceInstances(ctx context.Context, instances []Instance, version string) (ProvisionResult, error)

	// RestoreInstances returns each instance to the version recorded on it
	// (its pre-rollout version).
	RestoreInstances(ctx context.Context, instances []Instance) (ProvisionResult, error)
}

// Ownership is the deployer's view of the distributed lock: it only ever
// asks whether the lease is still ours. Satisfied by *lock.Lock.
type Ownership interface {
	IsHeldByUs(ctx context.Context) (bool, error)
}

// Gate is the health gate consulted after each batch. Satisfied by
// *health.Checker.
type Gate interface {
	CheckWithRetry(ctx context.Context, spec health.Spec) health.Result
}

// ErrLockLost signals that the lease expired mid-rollout.
var ErrLockLost = errors.New("deployment lock lost mid-rollout")

// Config tunes one rollout.
type Config struct {
	// BatchSize is a fixed instance count per batch. Mutually exclusive
	// with BatchFraction; when both are zero the whole fleet is one batch.
	BatchSize int `json:"batch_size,omitempty" bson:"batch_size,omitempty"`
	// BatchFraction sizes batches as a fraction of the fleet (0 < f <= 1).
	BatchFraction float64 `json:"batch_fraction,omitempty" bson:"batch_fraction,omitempty"`
	// CheckSpec is the health probe run against every instance of a batch.
	// %s placeholders in its URL/address expand to the instance address.
	CheckSpec health.Spec `json:"check_spec" bson:"check_spec"`
}

// Validate checks the rollout configuration.
func (c *Config) Validate() error {
	if c.BatchSize < 0 {
		return errors.New("batch_size must not be negative")
	}
	if c.BatchFraction < 0 || c.BatchFraction > 1 {
		return errors.New("batch_fraction must be between 0 and 1")
	}
	if c.BatchSize > 0 && c.BatchFraction > 0 {
		return errors.New("batch_size and batch_fraction are mutually exclusive")
	}
	return c.CheckSpec.Validate()
}

// batchSizeFor resolves the configured size against the fleet size.
func (c *Config) batchSizeFor(fleetSize int) int {
	size := c.BatchSize
	if c.BatchFraction > 0 {
		size = int(math.Ceil(float64(fleetSize) * c.BatchFraction))
	}
	if size <= 0 || size > fleetSize {
		size = fleetSize
	}
	return size
}

// BatchOutcome records how one batch fared.
type BatchOutcome struct {
	Number      int             `json:"number" bson:"number"`
	InstanceIDs []string        `json:"instance_ids" bson:"instance_ids"`
	Healthy     bool            `json:"healthy" bson:"healthy"`
	Checks      []health.Result `json:"checks,omitempty" bson:"checks,omitempty"`
	Error       string          `json:"error,omitempty" bson:"error,omitempty"`
}

// Result is the immutable record of one rollout attempt. It is created
// once per attempt and not mutated after the state machine reaches a
// terminal status.
type Result struct {
	DeploymentID   string          `json:"deployment_id" bson:"deployment_id"`
	Version        string          `json:"version" bson:"version"`
	Status         Status          `json:"status" bson:"status"`
	Batches        []BatchOutcome  `json:"batches,omitempty" bson:"batches,omitempty"`
	Checks         []health.Result `json:"checks,omitempty" bson:"checks,omitempty"`
	RollbackReason string          `json:"rollback_reason,omitempty" bson:"rollback_reason,omitempty"`
	StartedAt      time.Time       `json:"started_at" bson:"started_at"`
	FinishedAt     time.Time       `json:"finished_at" bson:"finished_at"`
}

// FailedChecks returns the unhealthy results collected during the rollout.
func (r *Result) FailedChecks() []health.Result {
	var failed []health.Result
	for _, check := range r.Checks {
		if !check.Healthy {
			failed = append(failed, check)
		}
	}
	return failed
}
