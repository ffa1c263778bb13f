package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"datapilot/internal/domain"
)

const reapSchedule = "@every 1m"

// Job is a named background task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler runs maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler for jobs. Nothing runs until Start.
func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:   jobs,
		logger: logger,
	}
}

// Start registers every job and starts the scheduler. Jobs receive a
// context that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		job := j
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			started := time.Now()
			job.Run(ctx)
			s.logger.Debug("job finished", "job", job.Name, "elapsed", time.Since(started))
		}); err != nil {
			s.cancel()
			return err
		}
		s.logger.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// RecoverAbandoned fails query records left pending or running by a
// previous process. Call it once at startup before serving requests.
func RecoverAbandoned(ctx context.Context, records domain.QueryRecordRepository, logger *slog.Logger) error {
	n, err := records.FailAbandoned(ctx, domain.KindCancelled, "interrupted by restart")
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("failed abandoned query records", "count", n)
	}
	return nil
}
