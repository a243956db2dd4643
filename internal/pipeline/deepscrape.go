package pipeline

import (
	"context"
	"time"

	"github.com/driftline/driftline/internal/faults"
	"github.com/driftline/driftline/internal/identity"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// runDeepScrape expands the full comment thread for every pending task.
// One shared session amortizes login cost across all tasks; a failed
// task is marked and the stage moves on to the next.
func (c *Coordinator) runDeepScrape(ctx context.Context, acct *store.Account, ra *store.RunAccount, cfg Config, result *Result) {
	if !cfg.DeepScrapeEnabled || ctx.Err() != nil {
		return
	}

	tasks, err := c.store.ListPendingTasks(ra.ID)
	if err != nil {
		result.addError(StageDeepScrape, 0, err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	adapter, err := c.registry.Get(acct.Platform)
	if err != nil {
		result.addError(StageDeepScrape, 0, err)
		return
	}

	session, err := adapter.Open(ctx, acct.SessionBlob)
	if err != nil {
		result.addError(StageDeepScrape, 0, err)
		return
	}
	defer session.Close()

	check, err := session.Validate(ctx)
	if err != nil {
		result.addError(StageDeepScrape, 0, err)
		return
	}
	if !check.Valid {
		result.addError(StageDeepScrape, 0,
			faults.Newf(faults.KindAuth, faults.CodeSessionInvalid, "deep-scrape session invalid: %s", check.Reason))
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOneTask(ctx, session, acct, task, cfg); err != nil {
			result.addError(StageDeepScrape, task.PostID, err)
			continue
		}
		result.DeepScraped++
	}
}

func (c *Coordinator) runOneTask(ctx context.Context, session platform.Session, acct *store.Account, task store.DeepScrapeTask, cfg Config) error {
	if err := c.store.UpdateTaskStatus(task.ID, store.TaskStatusRunning, "", ""); err != nil {
		return err
	}

	fail := func(err error) error {
		code := faults.CodeOf(err)
		if code == "" {
			code = faults.CodeScraper
		}
		if uerr := c.store.UpdateTaskStatus(task.ID, store.TaskStatusFailed, code, faults.Detail(err)); uerr != nil {
			c.log.Errorw("failed to mark deep-scrape task failed", "task", task.ID, "error", uerr)
		}
		return err
	}

	post, err := c.store.GetPost(task.PostID)
	if err != nil {
		return fail(err)
	}
	if post.URL == "" {
		return fail(faults.New(faults.KindScraper, faults.CodeScraper, "post has no URL to expand"))
	}

	comments, err := session.ExpandThreadComments(ctx, post.URL,
		platform.CollectOptions{MaxComments: cfg.MaxCommentsPerThread})
	if err != nil {
		return fail(faults.Wrap(faults.KindNavigation, faults.CodeNavigation, err, "thread expansion failed"))
	}

	for _, cc := range comments {
		_, err := c.store.UpsertComment(store.CommentInput{
			PostID:            post.ID,
			PlatformCommentID: cc.PlatformCommentID,
			AuthorHandle:      cc.AuthorHandle,
			AuthorName:        cc.AuthorName,
			Body:              cc.Text,
			ContentHash:       identity.ContentHash(cc.Text, nil),
			PublishedAt:       timePtr(cc.PublishedAt),
		})
		if err != nil {
			c.log.Warnw("failed to persist deep-scraped comment, skipping",
				"post", post.ID, "comment", cc.PlatformCommentID, "error", err)
		}
	}

	return c.store.UpdateTaskStatus(task.ID, store.TaskStatusSuccess, "", "")
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
