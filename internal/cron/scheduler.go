// Package cron drives scheduled scrape-and-pipeline jobs. Schedules
// and execution logs live in the store; this package only computes
// fire times and owns the in-process locks, so a restart loses nothing
// but what stale-row recovery repairs.
package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/store"
)

// cronParser accepts standard 5-field expressions.
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// NextRun computes a job's next fire time after now, in the job's
// timezone.
func NextRun(job *store.CronJob, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(job.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", job.CronExpr, err)
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
	}
	return schedule.Next(now.In(loc)), nil
}

// Scheduler is the ticking loop that recovers stale job-runs, finds
// due jobs, and dispatches them to the executor.
type Scheduler struct {
	store *store.Store
	exec  *Executor
	log   *zap.SugaredLogger

	// TickInterval is the loop granularity; scheduling is coarse by
	// design (~1 minute).
	TickInterval time.Duration
	// StaleAfter is how long a running job-run may sit before the next
	// tick declares it dead.
	StaleAfter time.Duration

	// ticking detects a re-entrant tick; an overlapping tick is
	// skipped entirely, never queued.
	ticking atomic.Bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewScheduler creates a scheduler with default intervals.
func NewScheduler(st *store.Store, exec *Executor, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		store:        st,
		exec:         exec,
		log:          log,
		TickInterval: time.Minute,
		StaleAfter:   time.Hour,
		now:          time.Now,
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately so a restart recovers stale state without waiting.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("scheduler started", "tick", s.TickInterval, "stale_after", s.StaleAfter)

	s.Tick(ctx)

	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduler pass. Exported so manual triggers and
// tests can drive the loop directly.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("previous tick still running, skipping this tick")
		return
	}
	defer s.ticking.Store(false)

	s.recoverStaleJobRuns()
	s.backfillNextRuns()
	s.dispatchDue(ctx)
}

// recoverStaleJobRuns fails running job-runs older than StaleAfter and
// recomputes the owning job's next fire time.
func (s *Scheduler) recoverStaleJobRuns() {
	stale, err := s.store.ListStaleJobRuns(s.StaleAfter)
	if err != nil {
		s.log.Errorw("stale job-run query failed", "error", err)
		return
	}
	for _, run := range stale {
		reason := fmt.Sprintf("timed out: running since %s", run.StartedAt.Format(time.RFC3339))
		if err := s.store.FinishCronJobRun(run.ID, store.JobRunStatusFailed, reason); err != nil {
			s.log.Errorw("failed to fail stale job-run", "job_run", run.ID, "error", err)
			continue
		}
		s.log.Warnw("recovered stale job-run", "job_run", run.ID, "job", run.JobID)

		job, err := s.store.GetCronJob(run.JobID)
		if err != nil {
			s.log.Errorw("failed to load job for recovered run", "job", run.JobID, "error", err)
			continue
		}
		if next, err := NextRun(job, s.now()); err != nil {
			s.log.Errorw("failed to recompute next run", "job", job.ID, "error", err)
		} else if err := s.store.SetJobNextRun(job.ID, next); err != nil {
			s.log.Errorw("failed to persist next run", "job", job.ID, "error", err)
		}
	}
}

// backfillNextRuns computes fire times for enabled jobs missing one
// (new jobs, re-enabled jobs, rewritten expressions).
func (s *Scheduler) backfillNextRuns() {
	jobs, err := s.store.ListJobsMissingNextRun()
	if err != nil {
		s.log.Errorw("missing-next-run query failed", "error", err)
		return
	}
	for _, job := range jobs {
		next, err := NextRun(&job, s.now())
		if err != nil {
			s.log.Errorw("failed to compute next run", "job", job.ID, "error", err)
			continue
		}
		if err := s.store.SetJobNextRun(job.ID, next); err != nil {
			s.log.Errorw("failed to persist next run", "job", job.ID, "error", err)
		}
	}
}

// dispatchDue runs every due job, skipping any with an active run
// (single-flight per job).
func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.store.ListDueJobs(s.now())
	if err != nil {
		s.log.Errorw("due-job query failed", "error", err)
		return
	}
	for i := range due {
		job := &due[i]

		active, err := s.store.JobHasActiveRun(job.ID)
		if err != nil {
			s.log.Errorw("active-run check failed", "job", job.ID, "error", err)
			continue
		}
		if active {
			s.log.Infow("job already has an active run, skipping", "job", job.ID)
			continue
		}

		s.log.Infow("dispatching job", "job", job.ID, "name", job.Name)
		start := s.now()
		if err := s.exec.Execute(ctx, job); err != nil {
			s.log.Errorw("job failed", "job", job.ID, "elapsed", s.now().Sub(start), "error", err)
		} else {
			s.log.Infow("job completed", "job", job.ID, "elapsed", s.now().Sub(start))
		}
	}
}
