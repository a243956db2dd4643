// Package core wires storage, platform adapters, the LLM client and
// the coordinators into one service the CLI drives.
package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/account"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/cron"
	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/pipeline"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/platform/xadapter"
	"github.com/driftline/driftline/internal/scrape"
	"github.com/driftline/driftline/internal/store"
)

// Service is the application's trigger surface. Every external entry
// point (CLI command, scheduler tick) goes through a Service method.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	registry *platform.Registry
	llm      llm.Client
	scraper  *scrape.Coordinator
	pipeline *pipeline.Coordinator
	executor *cron.Executor
	sched    *cron.Scheduler
	log      *zap.SugaredLogger
}

// New assembles a service from config.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Service, error) {
	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = config.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := platform.NewRegistry()
	adapter := xadapter.New(cfg.Scraping.Headless, log)
	if cfg.Scraping.ActionDelayMinMs > 0 {
		adapter.ActionDelayMin = time.Duration(cfg.Scraping.ActionDelayMinMs) * time.Millisecond
	}
	if cfg.Scraping.ActionDelayMaxMs > 0 {
		adapter.ActionDelayMax = time.Duration(cfg.Scraping.ActionDelayMaxMs) * time.Millisecond
	}
	registry.Register(adapter)

	var client llm.Client = llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	policy := llm.DefaultRetryPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.LLM.MaxAttempts
	}
	client = llm.NewRetrying(client, policy)

	runner := scrape.NewRunner(st, log)
	scraper := scrape.NewCoordinator(st, registry, runner, log)
	if cfg.Scraping.AccountTimeoutSeconds > 0 {
		scraper.AccountTimeout = time.Duration(cfg.Scraping.AccountTimeoutSeconds) * time.Second
	}
	if cfg.Scraping.RunLockTimeoutSeconds > 0 {
		scraper.LockTimeout = time.Duration(cfg.Scraping.RunLockTimeoutSeconds) * time.Second
	}

	pipe := pipeline.NewCoordinator(st, registry, client, log)

	exec := cron.NewExecutor(st, scraper, pipe, log)
	exec.PipelineDefaults = pipelineConfig(cfg)

	sched := cron.NewScheduler(st, exec, log)
	if cfg.Cron.TickSeconds > 0 {
		sched.TickInterval = time.Duration(cfg.Cron.TickSeconds) * time.Second
	}
	if cfg.Cron.StaleTimeoutSeconds > 0 {
		sched.StaleAfter = time.Duration(cfg.Cron.StaleTimeoutSeconds) * time.Second
	}

	return &Service{
		cfg:      cfg,
		store:    st,
		registry: registry,
		llm:      client,
		scraper:  scraper,
		pipeline: pipe,
		executor: exec,
		sched:    sched,
		log:      log,
	}, nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.TriageEnabled = cfg.Pipeline.TriageEnabled
	pc.DeepScrapeEnabled = cfg.Pipeline.DeepScrapeEnabled
	pc.DraftsEnabled = cfg.Pipeline.DraftsEnabled
	if cfg.Pipeline.SelectionTopN > 0 {
		pc.TopN = cfg.Pipeline.SelectionTopN
	}
	if cfg.Pipeline.SelectionThreshold > 0 {
		pc.ScoreThreshold = cfg.Pipeline.SelectionThreshold
	}
	if cfg.Scraping.MaxCommentsPerThread > 0 {
		pc.MaxCommentsPerThread = cfg.Scraping.MaxCommentsPerThread
	}
	return pc
}

// Close releases the service's resources.
func (s *Service) Close() error {
	return s.store.Close()
}

// Store exposes the backing store for read-only CLI queries.
func (s *Service) Store() *store.Store { return s.store }

// RunScheduler blocks, dispatching due cron jobs until ctx is
// cancelled.
func (s *Service) RunScheduler(ctx context.Context) error {
	return s.sched.Run(ctx)
}

// RunScrape triggers a scrape run across the platform's active
// accounts (or the explicit subset).
func (s *Service) RunScrape(ctx context.Context, platformName string, accountIDs []int64, opts scrape.Options) (*scrape.Result, error) {
	if opts.MaxPosts == 0 {
		opts.MaxPosts = s.cfg.Scraping.MaxPostsPerRun
	}
	if opts.MaxComments == 0 {
		opts.MaxComments = s.cfg.Scraping.MaxCommentsPerThread
	}
	return s.scraper.RunScrape(ctx, platformName, scrape.TriggerManual, accountIDs, opts)
}

// RunPipeline triggers the engagement pipeline for one completed
// run-account.
func (s *Service) RunPipeline(ctx context.Context, runAccountID string, generateDrafts bool) (*pipeline.Result, error) {
	ra, err := s.store.GetRunAccount(runAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run-account %s: %w", runAccountID, err)
	}
	return s.pipeline.Run(ctx, ra.ID, ra.AccountID, runPipelineConfig(s.cfg, generateDrafts))
}

// runPipelineConfig derives one invocation's stage gates. The caller's
// drafts toggle can only narrow the configured gate, never widen it.
func runPipelineConfig(cfg *config.Config, generateDrafts bool) pipeline.Config {
	pc := pipelineConfig(cfg)
	if !generateDrafts {
		pc.DraftsEnabled = false
	}
	return pc
}

// CreateAccount registers a new account in needs_initial_auth.
func (s *Service) CreateAccount(platformName, handle string) (*store.Account, error) {
	if _, err := s.registry.Get(platformName); err != nil {
		return nil, err
	}
	return s.store.CreateAccount(platformName, handle, s.cfg.Scraping.DefaultCooldownSeconds)
}

// Login runs the platform's interactive login flow for an account and
// stores the captured credentials, activating the account.
func (s *Service) Login(ctx context.Context, accountID int64) error {
	acct, err := s.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(acct.Platform)
	if err != nil {
		return err
	}

	blob, err := adapter.PerformLogin(ctx, acct.Handle)
	if err != nil {
		return fmt.Errorf("login failed for @%s: %w", acct.Handle, err)
	}
	if err := s.store.SetAccountSession(acct.ID, blob); err != nil {
		return err
	}
	s.log.Infow("account authenticated", "account", acct.Handle, "platform", acct.Platform)
	return nil
}

// SetAccountStatus drives an explicit state transition, e.g. disabling
// or re-enabling an account.
func (s *Service) SetAccountStatus(accountID int64, to account.Status, reason string) error {
	return s.store.TransitionAccount(accountID, to, "", reason)
}

// CreateCronJob registers a schedule and computes its first fire time.
func (s *Service) CreateCronJob(name string, accountID int64, cronExpr, timezone string, jobCfg store.JobConfig) (*store.CronJob, error) {
	if _, err := s.store.GetAccount(accountID); err != nil {
		return nil, err
	}
	job, err := s.store.CreateCronJob(name, accountID, cronExpr, timezone, jobCfg)
	if err != nil {
		return nil, err
	}
	next, err := cron.NextRun(job, time.Now())
	if err != nil {
		// The row exists but can never fire; surface the bad expression.
		return nil, fmt.Errorf("invalid schedule for job %d: %w", job.ID, err)
	}
	if err := s.store.SetJobNextRun(job.ID, next); err != nil {
		return nil, err
	}
	job.NextRunAt = &next
	return job, nil
}

// UpdateCronJob rewrites a job's schedule and config and recomputes
// its next fire time.
func (s *Service) UpdateCronJob(id int64, cronExpr, timezone string, jobCfg store.JobConfig) error {
	if err := s.store.UpdateCronJob(id, cronExpr, timezone, jobCfg); err != nil {
		return err
	}
	job, err := s.store.GetCronJob(id)
	if err != nil {
		return err
	}
	next, err := cron.NextRun(job, time.Now())
	if err != nil {
		return fmt.Errorf("invalid schedule for job %d: %w", id, err)
	}
	return s.store.SetJobNextRun(id, next)
}

// SetCronJobEnabled toggles a job. Re-enabling recomputes the next
// fire time from now so the job doesn't fire immediately to catch up.
func (s *Service) SetCronJobEnabled(id int64, enabled bool) error {
	if err := s.store.SetCronJobEnabled(id, enabled); err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	job, err := s.store.GetCronJob(id)
	if err != nil {
		return err
	}
	next, err := cron.NextRun(job, time.Now())
	if err != nil {
		return err
	}
	return s.store.SetJobNextRun(id, next)
}

// DeleteCronJob removes a job and its run history.
func (s *Service) DeleteCronJob(id int64) error {
	return s.store.DeleteCronJob(id)
}

// RunCronJobNow executes a job immediately, bypassing its schedule but
// honoring the per-account lock.
func (s *Service) RunCronJobNow(ctx context.Context, id int64) error {
	job, err := s.store.GetCronJob(id)
	if err != nil {
		return err
	}
	return s.executor.Execute(ctx, job)
}
