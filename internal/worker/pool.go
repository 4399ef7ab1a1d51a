package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dmelo/convoy/internal/model"
)

// ExecutorFunc runs one deploy request to completion.
type ExecutorFunc func(ctx context.Context, jobID string, req *model.DeployRequest) (*model.Deployment, error)

// ErrQueueFull is returned when the job queue cannot take another deploy.
var ErrQueueFull = errors.New("deploy job queue is full")

// Pool runs queued deploy jobs on a bounded set of worker goroutines.
// The per-target lock serializes rollouts against the same target, so
// workers only ever add concurrency across distinct targets.
type Pool struct {
	workers    int
	jobs       chan Job
	results    chan Result
	executorFn ExecutorFunc
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers int, queueSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queueSize),
		results: make(chan Result, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetExecutor sets the function that processes jobs. Must be called
// before Start.
func (p *Pool) SetExecutor(fn ExecutorFunc) {
	p.executorFn = fn
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	slog.Info("Starting deploy worker pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and waits for in-flight deploys to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping deploy worker pool")

	close(p.jobs)
	p.wg.Wait()
	close(p.results)
	p.cancel()

	slog.Info("Deploy worker pool stopped")
}

// Submit queues a deploy job. Returns ErrQueueFull rather than blocking
// when the queue is at capacity, so callers can reject with backpressure.
func (p *Pool) Submit(job Job) error {
	select {
	case p.jobs <- job:
		slog.Debug("Deploy job queued",
			"job_id", job.JobID,
			"target", job.Request.Target,
			"version", job.Request.Version,
			"async", job.Async,
		)
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Results returns the channel carrying outcomes of sync jobs.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// QueueLength returns the number of jobs waiting in the queue.
func (p *Pool) QueueLength() int {
	return len(p.jobs)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	slog.Debug("Deploy worker started", "worker_id", id)

	for job := range p.jobs {
		slog.Debug("Deploy worker processing job",
			"worker_id", id,
			"job_id", job.JobID,
			"target", job.Request.Target,
		)

		deployment, err := p.executorFn(job.Context, job.JobID, job.Request)

		// Async jobs report through the job status store instead.
		if job.Async {
			continue
		}

		select {
		case p.results <- Result{JobID: job.JobID, Deployment: deployment, Error: err}:
		case <-p.ctx.Done():
			return
		}
	}

	slog.Debug("Deploy worker stopped", "worker_id", id)
}
