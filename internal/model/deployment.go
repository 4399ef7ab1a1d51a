package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dmelo/convoy/internal/deploy"
	"github.com/dmelo/convoy/internal/health"
)

// Deployment is the persisted identity of a rollout for one target. It is
// created when a deploy request is accepted, updated with the terminal
// result, and never deleted; a later deploy for the same target supersedes
// it with a new document.
type Deployment struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Target      string             `json:"target" bson:"target"`
	Version     string             `json:"version" bson:"version"`
	RequestedBy string             `json:"requested_by,omitempty" bson:"requested_by,omitempty"`
	Status      deploy.Status      `json:"status" bson:"status"`
	Result      *deploy.Result     `json:"result,omitempty" bson:"result,omitempty"`

	// Post-deploy verification. When VerifyEnabled, the verifier re-runs
	// the health suite against the fleet on the cron schedule.
	VerifySchedule string    `json:"verify_schedule,omitempty" bson:"verify_schedule,omitempty"`
	VerifyEnabled  bool      `json:"verify_enabled" bson:"verify_enabled"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty" bson:"last_verified_at,omitempty"`
	NextVerifyAt   time.Time `json:"next_verify_at,omitempty" bson:"next_verify_at,omitempty"`

	CheckSpec health.Spec `json:"check_spec" bson:"check_spec"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// DeploymentListItem is a summary of a deployment for list responses.
type DeploymentListItem struct {
	ID             string        `json:"id"`
	Target         string        `json:"target"`
	Version        string        `json:"version"`
	Status         deploy.Status `json:"status"`
	RollbackReason string        `json:"rollback_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ToListItem converts a Deployment to its list summary.
func (d *Deployment) ToListItem() DeploymentListItem {
	item := DeploymentListItem{
		ID:        d.ID.Hex(),
		Target:    d.Target,
		Version:   d.Version,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Result != nil {
		item.RollbackReason = d.Result.RollbackReason
	}
	return item
}

// DeployRequest is an incoming request to roll a version onto a target.
type DeployRequest struct {
	Target         string        `json:"target"`
	Version        string        `json:"version"`
	RequestedBy    string        `json:"requested_by,omitempty"`
	BatchSize      int           `json:"batch_size,omitempty"`
	BatchFraction  float64       `json:"batch_fraction,omitempty"`
	CheckSpec      health.Spec   `json:"check_spec"`
	LockTimeout    time.Duration `json:"lock_timeout,omitempty"`
	VerifySchedule string        `json:"verify_schedule,omitempty"`
}

// Validate validates the deploy request and applies health-check defaults.
func (r *DeployRequest) Validate() error {
	if r.Target == "" {
		return errors.New("deploy target is required")
	}
	if len(r.Target) > 255 {
		return errors.New("deploy target must be 255 characters or less")
	}
	if r.Version == "" {
		return errors.New("artifact version is required")
	}

	cfg := r.RolloutConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.CheckSpec = cfg.CheckSpec

	if r.VerifySchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(r.VerifySchedule); err != nil {
			return fmt.Errorf("invalid verify schedule: %w", err)
		}
	}

	return nil
}

// RolloutConfig builds the engine configuration for this request.
func (r *DeployRequest) RolloutConfig() deploy.Config {
	return deploy.Config{
		BatchSize:     r.BatchSize,
		BatchFraction: r.BatchFraction,
		CheckSpec:     r.CheckSpec,
	}
}

// LockKey returns the distributed lock key guarding this request's target.
func (r *DeployRequest) LockKey() string {
	return "deploy:" + r.Target
}

// NextVerifyTime computes the next verification run after now, or the zero
// time when no schedule is set.
func NextVerifyTime(schedule string, now time.Time) (time.Time, error) {
	if schedule == "" {
		return time.Time{}, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parsed, err := parser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid verify schedule: %w", err)
	}
	return parsed.Next(now), nil
}
