package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is one job request taken from a JobSource.
type Job struct {
	Spec PipelineSpec
	// Ack marks the request handled. It may be nil.
	Ack func(ctx context.Context) error
	// Origin describes where the request came from, for logs.
	Origin string
}

// JobSource yields job requests. NextJob blocks until one is available.
type JobSource interface {
	NextJob(ctx context.Context) (Job, error)
}

// Service runs jobs from a JobSource one after another until stopped.
type Service struct {
	jobs   JobSource
	runner *Runner
	logger *slog.Logger
	clock  clockwork.Clock
	ready  atomic.Bool
}

// NewService creates a Service that hands every job to runner.
func NewService(jobs JobSource, runner *Runner, logger *slog.Logger) *Service {
	return &Service{jobs: jobs, runner: runner, logger: logger, clock: runner.opts.Clock}
}

// CheckReadiness returns nil while the service loop is taking jobs.
func (s *Service) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("service is not taking jobs")
	}
	return nil
}

// Run takes and executes jobs until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("service started")
	s.ready.Store(true)
	defer s.ready.Store(false)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service stopping", "reason", ctx.Err())
			return nil
		default:
		}

		job, err := s.jobs.NextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("fetch job failed", "error", err)
			if !sleepWithContext(ctx, s.clock, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = initialBackoff
		s.handle(ctx, job)
	}
}

func (s *Service) handle(ctx context.Context, job Job) {
	start := time.Now()
	m, err := s.runner.Run(ctx, job.Spec)
	if err != nil && m.Cancelled {
		// Left unacknowledged so the job is redelivered and resumes from its
		// checkpoint.
		s.logger.Info("job interrupted", "job_id", m.JobID, "origin", job.Origin)
		return
	}
	if job.Ack == nil {
		return
	}
	if err := job.Ack(ctx); err != nil {
		s.logger.Warn("acknowledge job failed", "error", err, "job_id", m.JobID, "origin", job.Origin)
		return
	}
	s.logger.Debug("job acknowledged", "job_id", m.JobID, "origin", job.Origin, "elapsed", time.Since(start))
}
