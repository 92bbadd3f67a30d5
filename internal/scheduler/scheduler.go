// Package scheduler triggers batch jobs on a fixed interval, one execution
// per tick across all instances.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"payment-sync-service/internal/batch"
	"payment-sync-service/internal/lock"
)

type Job interface {
	Name() string
	Run(ctx context.Context) batch.Report
}

type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Lease, bool, error)
}

type Scheduler struct {
	job      Job
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
}

// New returns a scheduler for job. A nil locker runs every tick without
// coordination, which is only safe with a single instance.
func New(job Job, locker Locker, interval, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		job:      job,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger.With("job", job.Name()),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.InfoContext(ctx, "Scheduler started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping scheduler")
				return
			}
		}
	}()
}

// RunOnce runs the job if this instance gets the lock. ran is false when the
// tick was skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (report batch.Report, ran bool) {
	if s.locker == nil {
		return s.job.Run(ctx), true
	}

	lease, ok, err := s.locker.Acquire(ctx, s.job.Name(), s.lockTTL)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error acquiring job lock, skipping tick", "error", err)
		s.counter("lock_error").Inc()
		return report, false
	}
	if !ok {
		s.logger.InfoContext(ctx, "Job already running elsewhere, skipping tick")
		s.counter("lock_held").Inc()
		return report, false
	}

	defer func() {
		// release even when ctx was cancelled mid-run
		released, err := lease.Release(context.WithoutCancel(ctx))
		switch {
		case err != nil:
			s.logger.ErrorContext(ctx, "Error releasing job lock", "error", err)
		case !released:
			s.logger.WarnContext(ctx, "Job lock expired before the run finished", "ttl", s.lockTTL)
		}
	}()

	s.counter("ran").Inc()
	return s.job.Run(ctx), true
}

func (s *Scheduler) counter(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`scheduler_ticks_total{job=%q,result=%q}`, s.job.Name(), result))
}
