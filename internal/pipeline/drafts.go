package pipeline

import (
	"context"
	"time"

	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/store"
)

// draftCommentContext is how many recent top-level comments feed the
// draft prompt.
const draftCommentContext = 3

// runDrafts generates exactly three reply candidates for every post
// selected for deep scrape. Posts that already hold drafts for this
// run-account are skipped, so re-runs are idempotent.
func (c *Coordinator) runDrafts(ctx context.Context, acct *store.Account, ra *store.RunAccount, snap *store.PolicySnapshot, policy store.Policy, cfg Config, result *Result) {
	if !cfg.DraftsEnabled || ctx.Err() != nil {
		return
	}

	selected, err := c.store.ListSelectedTriage(ra.ID)
	if err != nil {
		result.addError(StageDrafts, 0, err)
		return
	}
	if len(selected) == 0 {
		return
	}

	exemplarLimit := cfg.StyleExemplarLimit
	if exemplarLimit <= 0 {
		exemplarLimit = 10
	}
	exemplars, err := c.store.ListApprovedDraftsForAccount(acct.ID, exemplarLimit)
	if err != nil {
		result.addError(StageDrafts, 0, err)
		return
	}
	var styleTexts []string
	for _, d := range exemplars {
		styleTexts = append(styleTexts, d.Body)
	}

	pctx := policyContext(policy)
	for _, t := range selected {
		if ctx.Err() != nil {
			result.addError(StageDrafts, t.PostID, ctx.Err())
			return
		}
		generated, err := c.draftOnePost(ctx, ra, snap, pctx, styleTexts, t.PostID)
		if err != nil {
			result.addError(StageDrafts, t.PostID, err)
			continue
		}
		if generated {
			result.DraftsGenerated++
		}
	}
}

// draftOnePost reports whether it generated new drafts; a post that
// already holds drafts for this run-account is skipped.
func (c *Coordinator) draftOnePost(ctx context.Context, ra *store.RunAccount, snap *store.PolicySnapshot, pctx llm.PolicyContext, styleTexts []string, postID int64) (bool, error) {
	exists, err := c.store.HasDrafts(ra.ID, postID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	post, err := c.store.GetPost(postID)
	if err != nil {
		return false, err
	}
	body := ""
	if post.Body != nil {
		body = *post.Body
	}

	comments, err := c.store.ListRecentTopLevelComments(postID, draftCommentContext)
	if err != nil {
		return false, err
	}
	var commentTexts []string
	for _, cm := range comments {
		commentTexts = append(commentTexts, cm.Body)
	}

	req := llm.BuildDraftRequest(pctx, llm.PostContext{
		AuthorHandle: post.AuthorHandle,
		Text:         body,
	}, llm.DraftContext{
		RecentComments: commentTexts,
		StyleExemplars: styleTexts,
	})

	start := time.Now()
	raw, err := c.llm.Complete(ctx, req)
	if err != nil {
		return false, err
	}
	set, err := llm.ParseDraftSet(raw)
	if err != nil {
		return false, err
	}

	inputs := make([]store.DraftInput, 0, len(set.Options))
	for i, opt := range set.Options {
		inputs = append(inputs, store.DraftInput{
			OptionIndex: i,
			Body:        opt.Text,
			Tone:        opt.Tone,
			Length:      opt.Length,
		})
	}
	if err := c.store.InsertDrafts(ra.ID, postID, llm.DraftPromptVersion, snap.Policy, inputs); err != nil {
		return false, err
	}

	c.log.Debugw("drafts generated", "post", postID, "elapsed", time.Since(start))
	return true, nil
}
