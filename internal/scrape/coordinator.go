package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/account"
	"github.com/driftline/driftline/internal/faults"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// Trigger kinds for scrape runs.
const (
	TriggerDaily  = "daily"
	TriggerManual = "manual"
)

// AccountError records one account's failure inside a run.
type AccountError struct {
	AccountID int64  `json:"account_id"`
	Handle    string `json:"handle"`
	Code      string `json:"code"`
	Detail    string `json:"detail"`
}

// Result is the aggregate outcome of one coordinator invocation. A
// non-empty Errors list is the only signal of partial failure; the
// call itself succeeds.
type Result struct {
	RunID             string         `json:"run_id"`
	Status            string         `json:"status"`
	AccountsSucceeded int            `json:"accounts_succeeded"`
	AccountsSkipped   int            `json:"accounts_skipped"`
	AccountsFailed    int            `json:"accounts_failed"`
	PostsFound        int            `json:"posts_found"`
	CommentsFound     int            `json:"comments_found"`
	SnapshotsWritten  int            `json:"snapshots_written"`
	RunAccounts       []RunAccountResult `json:"run_accounts"`
	Errors            []AccountError `json:"errors,omitempty"`
}

// RunAccountResult pairs a run-account id with its terminal status so
// callers can feed successful ones into the engagement pipeline.
type RunAccountResult struct {
	RunAccountID string `json:"run_account_id"`
	AccountID    int64  `json:"account_id"`
	Status       string `json:"status"`
}

// Coordinator fans one scrape request out across a platform's active
// accounts, one at a time. Sequential execution is deliberate: it
// bounds concurrent browser sessions and keeps the request rate low
// enough to avoid platform-side abuse detection.
type Coordinator struct {
	store    *store.Store
	registry *platform.Registry
	runner   *Runner
	log      *zap.SugaredLogger

	// AccountTimeout is the hard wall-clock limit for one account's
	// runner; expiry is classified as ACCOUNT_SCRAPE_TIMEOUT.
	AccountTimeout time.Duration
	// LockTimeout is how long a run may sit in running before the
	// stale sweep reclaims it.
	LockTimeout time.Duration
}

// NewCoordinator creates a coordinator with default timeouts.
func NewCoordinator(st *store.Store, registry *platform.Registry, runner *Runner, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		store:          st,
		registry:       registry,
		runner:         runner,
		log:            log,
		AccountTimeout: 600 * time.Second,
		LockTimeout:    time.Hour,
	}
}

// RunScrape executes one scrape run. It returns an error only when the
// run could not start at all; per-account failures are aggregated into
// the result.
func (c *Coordinator) RunScrape(ctx context.Context, platformName, trigger string, accountIDs []int64, opts Options) (*Result, error) {
	adapter, err := c.registry.Get(platformName)
	if err != nil {
		return nil, err
	}

	// Crash recovery: reclaim runs a dead process left in running.
	if swept, err := c.store.RecoverStaleRuns(c.LockTimeout); err != nil {
		c.log.Warnw("stale run sweep failed", "error", err)
	} else if swept > 0 {
		c.log.Infow("recovered stale runs", "rows", swept)
	}

	run, err := c.store.CreateScrapeRun(platformName, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrape run: %w", err)
	}

	accounts, err := c.resolveAccounts(platformName, accountIDs)
	if err != nil {
		// Nothing was attempted yet; the run itself failed.
		c.finishRun(run.ID, store.RunStatusFailed, &Result{})
		return nil, err
	}

	result := &Result{RunID: run.ID}
	for i := range accounts {
		c.runAccount(ctx, adapter, &accounts[i], run.ID, opts, result)
	}

	switch {
	case result.AccountsFailed > 0,
		result.AccountsSucceeded+result.AccountsSkipped+result.AccountsFailed == 0:
		result.Status = store.RunStatusPartial
	default:
		result.Status = store.RunStatusSuccess
	}
	c.finishRun(run.ID, result.Status, result)

	c.log.Infow("scrape run finished",
		"run_id", run.ID, "status", result.Status,
		"succeeded", result.AccountsSucceeded, "skipped", result.AccountsSkipped,
		"failed", result.AccountsFailed, "posts", result.PostsFound)

	return result, nil
}

// resolveAccounts expands the explicit id list (or all accounts of the
// platform) and filters to active.
func (c *Coordinator) resolveAccounts(platformName string, accountIDs []int64) ([]store.Account, error) {
	var candidates []store.Account
	if len(accountIDs) > 0 {
		for _, id := range accountIDs {
			acct, err := c.store.GetAccount(id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve account %d: %w", id, err)
			}
			if acct.Platform != platformName {
				return nil, fmt.Errorf("account %d belongs to platform %q, not %q", id, acct.Platform, platformName)
			}
			candidates = append(candidates, *acct)
		}
	} else {
		all, err := c.store.ListAccounts(platformName)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		candidates = all
	}

	active := candidates[:0]
	for _, acct := range candidates {
		if acct.Status == account.StatusActive {
			active = append(active, acct)
		}
	}
	return active, nil
}

// runnerOutcome carries the racing goroutine's result.
type runnerOutcome struct {
	counts Counts
	err    error
}

// runAccount executes one account under the wall-clock timeout and
// classifies the outcome onto the run-account row and the aggregate.
func (c *Coordinator) runAccount(ctx context.Context, adapter platform.Adapter, acct *store.Account, runID string, opts Options, result *Result) {
	ra, err := c.store.CreateRunAccount(runID, acct.ID)
	if err != nil {
		c.log.Errorw("failed to create run-account row", "account", acct.Handle, "error", err)
		result.AccountsFailed++
		result.Errors = append(result.Errors, AccountError{
			AccountID: acct.ID, Handle: acct.Handle,
			Code: faults.CodePersistence, Detail: err.Error(),
		})
		return
	}

	// Race the runner against the timeout. There is no cooperative
	// cancellation mid-scrape: on expiry the result is abandoned and
	// the session's deferred Close reclaims the browser.
	done := make(chan runnerOutcome, 1)
	go func() {
		counts, err := c.runner.Run(ctx, adapter, acct, ra.ID, opts)
		done <- runnerOutcome{counts: counts, err: err}
	}()

	var outcome runnerOutcome
	select {
	case outcome = <-done:
	case <-time.After(c.AccountTimeout):
		outcome = runnerOutcome{err: faults.Newf(faults.KindScraper, faults.CodeScrapeTimeout,
			"account scrape exceeded %s", c.AccountTimeout)}
	case <-ctx.Done():
		outcome = runnerOutcome{err: faults.Wrap(faults.KindScraper, faults.CodeScrapeTimeout,
			ctx.Err(), "scrape cancelled")}
	}

	counts := outcome.counts
	result.PostsFound += counts.PostsFound
	result.CommentsFound += counts.CommentsFound
	result.SnapshotsWritten += counts.SnapshotsWritten

	status := store.RunAccountStatusSuccess
	errCode, errDetail := "", ""

	switch {
	case outcome.err == nil:
		result.AccountsSucceeded++

	case faults.IsSessionFailure(outcome.err):
		// Dead session: flag the account for reauth rather than
		// counting it as a run failure.
		status = store.RunAccountStatusSkipped
		errCode = faults.CodeOf(outcome.err)
		errDetail = faults.Detail(outcome.err)
		result.AccountsSkipped++
		if terr := c.store.TransitionAccount(acct.ID, account.StatusNeedsReauth, errCode, errDetail); terr != nil {
			c.log.Warnw("failed to transition account to needs_reauth", "account", acct.Handle, "error", terr)
		}

	default:
		status = store.RunAccountStatusFailed
		errCode = faults.CodeOf(outcome.err)
		if errCode == "" {
			errCode = faults.CodeScraper
		}
		errDetail = faults.Detail(outcome.err)
		result.AccountsFailed++
		result.Errors = append(result.Errors, AccountError{
			AccountID: acct.ID, Handle: acct.Handle, Code: errCode, Detail: errDetail,
		})
	}

	if err := c.store.FinishRunAccount(ra.ID, status,
		counts.PostsFound, counts.CommentsFound, counts.SnapshotsWritten, errCode, errDetail); err != nil {
		c.log.Errorw("failed to finish run-account row", "run_account", ra.ID, "error", err)
	}

	result.RunAccounts = append(result.RunAccounts, RunAccountResult{
		RunAccountID: ra.ID, AccountID: acct.ID, Status: status,
	})
}

// finishRun serializes aggregate counts into the run's notes.
func (c *Coordinator) finishRun(runID, status string, result *Result) {
	notes, _ := json.Marshal(map[string]int{
		"accounts_succeeded": result.AccountsSucceeded,
		"accounts_skipped":   result.AccountsSkipped,
		"accounts_failed":    result.AccountsFailed,
		"posts_found":        result.PostsFound,
		"comments_found":     result.CommentsFound,
		"snapshots_written":  result.SnapshotsWritten,
	})
	if err := c.store.FinishScrapeRun(runID, status, string(notes)); err != nil {
		c.log.Errorw("failed to finish scrape run", "run_id", runID, "error", err)
	}
}
