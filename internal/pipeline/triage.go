package pipeline

import (
	"context"

	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/store"
)

// runTriage scores every post first seen since the run-account started
// against the frozen policy. Per-post failures are counted and
// reported; they never stop triage of the remaining posts.
func (c *Coordinator) runTriage(ctx context.Context, acct *store.Account, ra *store.RunAccount, policy store.Policy, cfg Config, result *Result) {
	if !cfg.TriageEnabled {
		return
	}

	posts, err := c.store.ListPostsFirstSeenSince(acct.Platform, ra.StartedAt, cfg.TriageReadLimit)
	if err != nil {
		result.addError(StageTriage, 0, err)
		return
	}

	pctx := policyContext(policy)
	for _, post := range posts {
		if ctx.Err() != nil {
			result.addError(StageTriage, post.ID, ctx.Err())
			return
		}

		// Idempotent re-run: a verdict already recorded stands.
		exists, err := c.store.HasTriage(ra.ID, post.ID)
		if err != nil {
			result.addError(StageTriage, post.ID, err)
			continue
		}
		if exists {
			continue
		}

		body := ""
		if post.Body != nil {
			body = *post.Body
		}
		req := llm.BuildTriageRequest(pctx, llm.PostContext{
			AuthorHandle: post.AuthorHandle,
			Text:         body,
			IsRepost:     post.IsRepost,
			IsReply:      post.IsReply,
		})

		raw, err := c.llm.Complete(ctx, req)
		if err != nil {
			result.addError(StageTriage, post.ID, err)
			continue
		}
		verdict, err := llm.ParseTriageVerdict(raw)
		if err != nil {
			result.addError(StageTriage, post.ID, err)
			continue
		}

		if err := c.store.InsertTriage(store.TriageInput{
			RunAccountID: ra.ID,
			PostID:       post.ID,
			Score:        verdict.Score,
			Label:        verdict.Label,
			Action:       verdict.Action,
			Confidence:   verdict.Confidence,
			Reasons:      verdict.Reasons,
		}); err != nil {
			result.addError(StageTriage, post.ID, err)
			continue
		}
		result.Triaged++
	}
}
