package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmelo/convoy/internal/lock"
	"github.com/dmelo/convoy/internal/model"
	"github.com/dmelo/convoy/internal/worker"
)

// Job lifecycle states tracked in the status store.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusRejected   = "rejected"
)

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("deploy job not found")

// AsyncDeployService queues deploy requests onto a worker pool and
// tracks each job through the status store. Rollouts can take minutes,
// so callers get a job id back immediately and poll for the outcome.
type AsyncDeployService struct {
	deploys *DeployService
	pool    *worker.Pool
	jobs    *model.JobStatusStore
}

// NewAsyncDeployService wires the async path and installs the pool's
// executor. The caller still owns pool.Start/Stop.
func NewAsyncDeployService(deploys *DeployService, pool *worker.Pool, jobs *model.JobStatusStore) *AsyncDeployService {
	s := &AsyncDeployService{
		deploys: deploys,
		pool:    pool,
		jobs:    jobs,
	}
	pool.SetExecutor(s.execute)
	return s
}

// Submit validates the request, queues it, and returns the job id.
// Validation failures are returned synchronously; everything after
// that is reported through the job status.
func (s *AsyncDeployService) Submit(ctx context.Context, req *model.DeployRequest, correlationID string) (string, error) {
	// Defaults must land before Validate bakes in its own fallbacks.
	s.deploys.ApplyDefaults(req)
	if err := req.Validate(); err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}

	jobID := uuid.NewString()
	s.jobs.Set(jobID, &model.JobStatus{
		JobID:         jobID,
		Status:        JobStatusQueued,
		CorrelationID: correlationID,
	})

	job := worker.Job{
		JobID:         jobID,
		CorrelationID: correlationID,
		Request:       req,
		// Rollouts outlive the submitting request, so the job carries a
		// fresh context rather than the handler's.
		Context: context.WithoutCancel(ctx),
		Async:   true,
	}
	if err := s.pool.Submit(job); err != nil {
		s.jobs.Set(jobID, &model.JobStatus{
			JobID:         jobID,
			Status:        JobStatusRejected,
			CorrelationID: correlationID,
			Error:         err.Error(),
		})
		return jobID, err
	}

	slog.Info("Deploy job accepted",
		"job_id", jobID,
		"target", req.Target,
		"version", req.Version,
	)
	return jobID, nil
}

// Status returns the current state of a job.
func (s *AsyncDeployService) Status(jobID string) (*model.JobStatus, error) {
	status, ok := s.jobs.Get(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	return status, nil
}

// execute is the pool executor: it runs the synchronous use case and
// mirrors the outcome into the job status store.
func (s *AsyncDeployService) execute(ctx context.Context, jobID string, req *model.DeployRequest) (*model.Deployment, error) {
	correlationID := ""
	if status, ok := s.jobs.Get(jobID); ok {
		correlationID = status.CorrelationID
	}
	s.jobs.Set(jobID, &model.JobStatus{
		JobID:         jobID,
		Status:        JobStatusProcessing,
		CorrelationID: correlationID,
	})

	deployment, err := s.deploys.Deploy(ctx, req)
	if err != nil {
		status := JobStatusFailed
		if lock.IsAcquisitionError(err) {
			status = JobStatusRejected
		}
		s.jobs.Set(jobID, &model.JobStatus{
			JobID:         jobID,
			Status:        status,
			CorrelationID: correlationID,
			Error:         err.Error(),
		})
		return nil, err
	}

	s.jobs.Set(jobID, &model.JobStatus{
		JobID:         jobID,
		Status:        JobStatusCompleted,
		CorrelationID: correlationID,
		Deployment:    deployment,
	})
	return deployment, nil
}
