// Package scheduler is a cron-backed runner for periodic background jobs.
// cmd/engine starts and stops one but registers no jobs with it: Position
// Sync, the Order Coordinator sweep and Position Monitor ticks all run from
// the orchestrator's own main-loop ticker.
//
// Adapted from aristath-sentinel's internal/scheduler.Scheduler — the
// cron.New(cron.WithSeconds())-backed Job interface and log-wrapped AddJob —
// swapping zerolog for this engine's zap logger and adding a context.Context
// so jobs can observe cancellation the way every other suspension point in
// this engine does (spec §5: "every step must cooperatively check it").
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled background task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler manages cron-scheduled background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	ctx  context.Context
}

// New builds a Scheduler. Jobs run until ctx is cancelled; Stop also halts
// the underlying cron runner.
func New(ctx context.Context, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.Named("scheduler"),
		ctx:  ctx,
	}
}

// Start starts the scheduler's goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("scheduler stopped")
}

// AddJob registers job on schedule (standard 6-field cron with seconds, or
// "@every 5m"-style shorthand).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.log.Debug("running scheduled job", zap.String("job", job.Name()))
		if err := job.Run(s.ctx); err != nil {
			s.log.Error("scheduled job failed", zap.String("job", job.Name()), zap.Error(err))
			return
		}
		s.log.Debug("scheduled job completed", zap.String("job", job.Name()))
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", zap.String("schedule", schedule), zap.String("job", job.Name()))
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info("running job immediately", zap.String("job", job.Name()))
	return job.Run(s.ctx)
}
