package worker

import (
	"context"

	"github.com/dmelo/convoy/internal/model"
)

// Job is one queued deploy request.
type Job struct {
	JobID         string
	CorrelationID string
	Request       *model.DeployRequest
	Context       context.Context
	Async         bool // If true, result won't be sent to results channel
}

// Result is the outcome of one deploy job.
type Result struct {
	JobID      string
	Deployment *model.Deployment
	Error      error
}
