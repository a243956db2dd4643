package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/driftline/internal/faults"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/scrape"
	"github.com/driftline/driftline/internal/store"
)

// scrapeRunner is the slice of the scrape coordinator the executor
// needs; narrowed so tests can stub it.
type scrapeRunner interface {
	RunScrape(ctx context.Context, platform, trigger string, accountIDs []int64, opts scrape.Options) (*scrape.Result, error)
}

// pipelineRunner is the slice of the pipeline coordinator the executor
// needs.
type pipelineRunner interface {
	Run(ctx context.Context, runAccountID string, accountID int64, cfg pipeline.Config) (*pipeline.Result, error)
}

// Executor runs one scheduled job end to end: scrape the job's
// account, then the engagement pipeline for each successful
// run-account.
type Executor struct {
	store    *store.Store
	scraper  scrapeRunner
	pipeline pipelineRunner
	locks    *accountLocks
	log      *zap.SugaredLogger

	// PipelineDefaults seeds per-run pipeline config; the job's own
	// config overrides the draft flag and collection sources.
	PipelineDefaults pipeline.Config
}

// NewExecutor creates an executor.
func NewExecutor(st *store.Store, scraper scrapeRunner, pipe pipelineRunner, log *zap.SugaredLogger) *Executor {
	return &Executor{
		store:            st,
		scraper:          scraper,
		pipeline:         pipe,
		locks:            newAccountLocks(),
		log:              log,
		PipelineDefaults: pipeline.DefaultConfig(),
	}
}

// Execute runs one due job. The account lock is acquired before any
// row is written: a second job (or a manual run routed through the
// same executor) touching the same account fails fast with a
// lock-contention error and leaves no job-run row behind.
func (e *Executor) Execute(ctx context.Context, job *store.CronJob) error {
	acct, err := e.store.GetAccount(job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve account for job %d: %w", job.ID, err)
	}
	jobCfg, err := job.DecodeConfig()
	if err != nil {
		return err
	}

	if !e.locks.TryAcquire(acct.ID) {
		return faults.Newf(faults.KindScraper, faults.CodeLockContention,
			"account %d is already being driven by another run", acct.ID)
	}
	defer e.locks.Release(acct.ID)

	jobRun, err := e.store.CreateCronJobRun(job.ID)
	if err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}

	// Persist the next fire time up front so a long execution doesn't
	// block future scheduling.
	if next, err := NextRun(job, time.Now()); err != nil {
		e.log.Warnw("failed to compute next run", "job", job.ID, "error", err)
	} else if err := e.store.SetJobNextRun(job.ID, next); err != nil {
		e.log.Warnw("failed to persist next run", "job", job.ID, "error", err)
	}

	execErr := e.run(ctx, job, acct, jobCfg)

	status := store.JobRunStatusSuccess
	errMsg := ""
	if execErr != nil {
		status = store.JobRunStatusFailed
		errMsg = execErr.Error()
	}
	if err := e.store.FinishCronJobRun(jobRun.ID, status, errMsg); err != nil {
		e.log.Errorw("failed to finish job run", "job_run", jobRun.ID, "error", err)
	}
	if err := e.store.RecordJobResult(job.ID, status); err != nil {
		e.log.Errorw("failed to record job result", "job", job.ID, "error", err)
	}

	return execErr
}

func (e *Executor) run(ctx context.Context, job *store.CronJob, acct *store.Account, jobCfg store.JobConfig) error {
	opts := scrape.Options{
		CollectHome:    jobCfg.CollectHome,
		ProfileHandles: jobCfg.ProfileHandles,
		SearchQueries:  jobCfg.SearchQueries,
		MaxPosts:       jobCfg.MaxPosts,
	}

	scrapeResult, err := e.scraper.RunScrape(ctx, acct.Platform, scrape.TriggerDaily, []int64{acct.ID}, opts)
	if err != nil {
		return fmt.Errorf("scrape failed for job %d: %w", job.ID, err)
	}

	pipeCfg := e.PipelineDefaults
	pipeCfg.DraftsEnabled = pipeCfg.DraftsEnabled && jobCfg.GenerateDrafts

	// Pipelines for distinct run-accounts are independent; fan out.
	g, gctx := errgroup.WithContext(ctx)
	for _, ra := range scrapeResult.RunAccounts {
		if ra.Status != store.RunAccountStatusSuccess {
			continue
		}
		g.Go(func() error {
			res, err := e.pipeline.Run(gctx, ra.RunAccountID, ra.AccountID, pipeCfg)
			if err != nil {
				return fmt.Errorf("pipeline failed for run-account %s: %w", ra.RunAccountID, err)
			}
			if len(res.Errors) > 0 {
				e.log.Warnw("pipeline finished with errors",
					"run_account", ra.RunAccountID, "errors", len(res.Errors))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if scrapeResult.AccountsFailed > 0 {
		return fmt.Errorf("scrape run %s had %d failed account(s)", scrapeResult.RunID, scrapeResult.AccountsFailed)
	}
	return nil
}
