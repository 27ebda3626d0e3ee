package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/config"
	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
)

// JobKind selects the executor entry point a job runs through.
type JobKind string

const (
	JobExecute JobKind = "execute"
	JobResume  JobKind = "resume"
	JobCompact JobKind = "compact"
)

// Job is one unit of executor work. InteractionID is set for resume jobs,
// TaskID for everything else.
type Job struct {
	Kind          JobKind
	UserID        string
	TaskID        string
	InteractionID string
}

// Pool runs executor jobs on a fixed set of workers with a bounded queue.
// One task occupies one worker slot for its whole run.
type Pool struct {
	executor *Executor
	jobs     chan Job
	workers  int
	logger   *logger.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool creates a worker pool sized from configuration.
func NewPool(executor *Executor, cfg config.ExecutorConfig, log *logger.Logger) *Pool {
	return &Pool{
		executor: executor,
		jobs:     make(chan Job, cfg.QueueDepth),
		workers:  cfg.Workers,
		logger:   log.WithFields(zap.String("component", "executor_pool")),
		stopped:  make(chan struct{}),
	}
}

// Start launches the workers. The context cancels in-flight runs on shutdown.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("executor pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_depth", cap(p.jobs)))
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		close(p.jobs)
	})
	p.wg.Wait()
}

// Enqueue submits a job. A full queue is reported as unavailable rather than
// blocking the caller.
func (p *Pool) Enqueue(job Job) error {
	select {
	case <-p.stopped:
		return apperrors.ServiceUnavailable("task executor")
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return apperrors.ServiceUnavailable("task executor")
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	var err error
	switch job.Kind {
	case JobResume:
		err = p.executor.Resume(ctx, job.UserID, job.InteractionID)
	case JobCompact:
		err = p.executor.Compact(ctx, job.UserID, job.TaskID)
	default:
		err = p.executor.Execute(ctx, job.UserID, job.TaskID)
	}
	if err != nil {
		p.logger.WithError(err).Warn("executor job failed",
			zap.String("kind", string(job.Kind)),
			zap.String("task_id", job.TaskID))
	}
}
