// Package pipeline sequences the engagement stages for one
// run-account: policy snapshot, triage, selection, deep-scrape, draft
// generation. Stages minutes apart stay consistent because they all
// read the same frozen policy snapshot and the same selection rows.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// Config gates and tunes the stages. It is passed once into Run so the
// gating logic is visible at one call site. Disabled stages return
// zero-valued results rather than being skipped structurally; callers
// observe emptiness, never absence.
type Config struct {
	TriageEnabled     bool
	DeepScrapeEnabled bool
	DraftsEnabled     bool

	// TopN is how many triaged posts are ranked; ScoreThreshold gates
	// deep-scrape selection within the top set.
	TopN           int
	ScoreThreshold int

	// TriageReadLimit caps how many posts one triage pass considers.
	TriageReadLimit int
	// MaxCommentsPerThread bounds deep-scrape expansion.
	MaxCommentsPerThread int
	// StyleExemplarLimit is how many approved drafts feed the draft
	// prompt as voice examples.
	StyleExemplarLimit int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TriageEnabled:        true,
		DeepScrapeEnabled:    true,
		DraftsEnabled:        true,
		TopN:                 20,
		ScoreThreshold:       75,
		TriageReadLimit:      200,
		MaxCommentsPerThread: 50,
		StyleExemplarLimit:   10,
	}
}

// Stage names used in error records.
const (
	StageSnapshot   = "policy_snapshot"
	StageTriage     = "triage"
	StageSelection  = "selection"
	StageDeepScrape = "deep_scrape"
	StageDrafts     = "draft_generation"
)

// StageError records one accumulated per-item failure.
type StageError struct {
	Stage  string `json:"stage"`
	PostID int64  `json:"post_id,omitempty"`
	Err    string `json:"error"`
}

// Result is the aggregate pipeline outcome. A non-empty Errors list is
// the only signal of partial failure.
type Result struct {
	RunAccountID    string       `json:"run_account_id"`
	SnapshotID      int64        `json:"snapshot_id"`
	Triaged         int          `json:"triaged"`
	Selected        int          `json:"selected"`
	DeepScraped     int          `json:"deep_scraped"`
	DraftsGenerated int          `json:"drafts_generated"`
	Errors          []StageError `json:"errors,omitempty"`
}

// Coordinator runs the stages in strict sequence for one run-account.
type Coordinator struct {
	store    *store.Store
	registry *platform.Registry
	llm      llm.Client
	log      *zap.SugaredLogger
}

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(st *store.Store, registry *platform.Registry, client llm.Client, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: st, registry: registry, llm: client, log: log}
}

// Run executes the pipeline for one run-account. Only a failure before
// the first stage (the policy snapshot) aborts; everything after
// accumulates into Result.Errors and continues.
func (c *Coordinator) Run(ctx context.Context, runAccountID string, accountID int64, cfg Config) (*Result, error) {
	result := &Result{RunAccountID: runAccountID}

	acct, err := c.store.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %d: %w", accountID, err)
	}
	ra, err := c.store.GetRunAccount(runAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run-account %s: %w", runAccountID, err)
	}

	snap, err := c.store.GetOrCreatePolicySnapshot(runAccountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy snapshot: %w", err)
	}
	result.SnapshotID = snap.ID
	policy, err := snap.DecodePolicy()
	if err != nil {
		return nil, err
	}

	c.runTriage(ctx, acct, ra, policy, cfg, result)
	c.runSelection(ctx, ra, cfg, result)
	c.runDeepScrape(ctx, acct, ra, cfg, result)
	c.runDrafts(ctx, acct, ra, snap, policy, cfg, result)

	c.log.Infow("pipeline finished",
		"run_account", runAccountID,
		"triaged", result.Triaged, "selected", result.Selected,
		"deep_scraped", result.DeepScraped, "drafts", result.DraftsGenerated,
		"errors", len(result.Errors))

	return result, nil
}

func (r *Result) addError(stage string, postID int64, err error) {
	r.Errors = append(r.Errors, StageError{Stage: stage, PostID: postID, Err: err.Error()})
}

// policyContext adapts a frozen store policy to the prompt shape.
func policyContext(p store.Policy) llm.PolicyContext {
	return llm.PolicyContext{
		Topics:    p.Topics,
		Goals:     p.Goals,
		Tone:      p.Tone,
		AvoidList: p.AvoidList,
		Languages: p.Languages,
	}
}
