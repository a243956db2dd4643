// Package scrape contains the per-account runner and the coordinator
// that fans a scrape request out across a platform's active accounts.
package scrape

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/faults"
	"github.com/driftline/driftline/internal/identity"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// Options bound one account's collection pass.
type Options struct {
	CollectHome    bool
	ProfileHandles []string
	SearchQueries  []string
	MaxPosts       int
	MaxComments    int
}

// commentExpansionLimit caps how many of a run's posts get their
// threads expanded during the initial pass; deeper collection is the
// deep-scrape stage's job.
const commentExpansionLimit = 10

// metricTimeoutCap stops metric extraction for the rest of the run
// after this many consecutive timeouts.
const metricTimeoutCap = 3

// Counts is what one account run produced.
type Counts struct {
	PostsFound       int
	CommentsFound    int
	SnapshotsWritten int
}

// Runner drives one account through one scrape session.
type Runner struct {
	store *store.Store
	log   *zap.SugaredLogger

	// sleep is replaceable in tests so cooldowns don't slow them down.
	sleep func(time.Duration)
}

// NewRunner creates a runner.
func NewRunner(st *store.Store, log *zap.SugaredLogger) *Runner {
	return &Runner{store: st, log: log, sleep: time.Sleep}
}

// Run collects and persists content for one account. Per-item
// persistence failures are logged and skipped; only session failures
// and total collection failures surface as the returned error. On any
// exit path the session is released and the account's cooldown (base
// plus up to 50% jitter) is awaited, throttling request rate whether or
// not the work succeeded.
func (r *Runner) Run(ctx context.Context, adapter platform.Adapter, acct *store.Account, runAccountID string, opts Options) (Counts, error) {
	defer r.cooldown(acct)

	var counts Counts

	if acct.SessionBlob == "" {
		return counts, faults.New(faults.KindAuth, faults.CodeSessionStateMissing, "account has no stored session state")
	}

	// Open failures are browser infrastructure, not credential state:
	// they must not push the account into needs_reauth.
	session, err := adapter.Open(ctx, acct.SessionBlob)
	if err != nil {
		return counts, faults.Wrap(faults.KindScraper, faults.CodeScraper, err, "failed to open session")
	}
	defer session.Close()

	check, err := session.Validate(ctx)
	if err != nil {
		return counts, faults.Wrap(faults.KindNavigation, faults.CodeNavigation, err, "session validation failed")
	}
	if !check.Valid {
		return counts, faults.Newf(faults.KindAuth, faults.CodeSessionInvalid, "session is not authenticated: %s", check.Reason)
	}

	collected := r.collect(ctx, session, acct, opts)
	unique := dedupe(collected)

	r.log.Infow("collection pass complete",
		"account", acct.Handle, "collected", len(collected), "unique", len(unique))

	metricTimeouts := 0
	for i, cp := range unique {
		postID, err := r.store.UpsertPost(store.PostInput{
			Platform:       acct.Platform,
			PlatformPostID: cp.PlatformPostID,
			AuthorHandle:   cp.AuthorHandle,
			AuthorName:     cp.AuthorName,
			Body:           cp.Text,
			MediaURLs:      cp.MediaURLs,
			URL:            cp.URL,
			ContentHash:    identity.ContentHash(cp.Text, cp.MediaURLs),
			PublishedAt:    timePtr(cp.PublishedAt),
			IsRepost:       cp.IsRepost,
			IsReply:        cp.IsReply,
		})
		if err != nil {
			r.log.Warnw("failed to persist post, skipping",
				"account", acct.Handle, "platform_post_id", cp.PlatformPostID, "error", err)
			continue
		}
		counts.PostsFound++

		// Metrics are best-effort and capped: after enough consecutive
		// timeouts the platform is clearly throttling us, so stop
		// asking instead of retrying indefinitely.
		if metricTimeouts < metricTimeoutCap && cp.URL != "" {
			metrics, err := session.ExtractMetrics(ctx, platform.EntityPost, cp.URL)
			if err != nil {
				metricTimeouts++
				r.log.Debugw("metric extraction failed",
					"account", acct.Handle, "post", cp.PlatformPostID,
					"consecutive_failures", metricTimeouts, "error", err)
			} else {
				metricTimeouts = 0
				if err := r.store.InsertMetricSnapshot(postID, metrics.Likes, metrics.Replies, metrics.Reposts, metrics.Views); err != nil {
					r.log.Warnw("failed to persist metric snapshot", "post", cp.PlatformPostID, "error", err)
				} else {
					counts.SnapshotsWritten++
				}
			}
		}

		if i < commentExpansionLimit && cp.URL != "" {
			counts.CommentsFound += r.expandComments(ctx, session, acct, postID, cp, opts)
		}
	}

	return counts, nil
}

// collect gathers candidate posts from each enabled source. Collection
// calls are best-effort; a failed source logs and contributes nothing.
func (r *Runner) collect(ctx context.Context, session platform.Session, acct *store.Account, opts Options) []platform.CollectedPost {
	copts := platform.CollectOptions{MaxPosts: opts.MaxPosts, MaxComments: opts.MaxComments}
	var collected []platform.CollectedPost

	if opts.CollectHome {
		posts, err := session.CollectHome(ctx, copts)
		if err != nil {
			r.log.Warnw("home collection failed", "account", acct.Handle, "error", err)
		}
		collected = append(collected, posts...)
	}
	for _, handle := range opts.ProfileHandles {
		posts, err := session.CollectProfile(ctx, handle, copts)
		if err != nil {
			r.log.Warnw("profile collection failed", "account", acct.Handle, "profile", handle, "error", err)
		}
		collected = append(collected, posts...)
	}
	for _, query := range opts.SearchQueries {
		posts, err := session.CollectSearch(ctx, query, copts)
		if err != nil {
			r.log.Warnw("search collection failed", "account", acct.Handle, "query", query, "error", err)
		}
		collected = append(collected, posts...)
	}
	return collected
}

// expandComments fetches and persists one post's thread, resolving each
// comment's parent post. Returns how many comments were persisted.
func (r *Runner) expandComments(ctx context.Context, session platform.Session, acct *store.Account, postID int64, cp platform.CollectedPost, opts Options) int {
	comments, err := session.ExpandThreadComments(ctx, cp.URL, platform.CollectOptions{MaxComments: opts.MaxComments})
	if err != nil {
		r.log.Warnw("thread expansion failed", "account", acct.Handle, "post", cp.PlatformPostID, "error", err)
		return 0
	}

	persisted := 0
	for _, cc := range comments {
		targetPostID := postID
		// A comment may belong to a different root than the post we
		// expanded from (quoted threads); resolve by platform id.
		if cc.ParentPostID != "" && cc.ParentPostID != cp.PlatformPostID {
			parent, err := r.store.FindPostByPlatformID(acct.Platform, cc.ParentPostID)
			if err != nil {
				r.log.Debugw("comment parent not found, attaching to expanded post",
					"parent_platform_id", cc.ParentPostID)
			} else {
				targetPostID = parent.ID
			}
		}

		_, err := r.store.UpsertComment(store.CommentInput{
			PostID:            targetPostID,
			PlatformCommentID: cc.PlatformCommentID,
			AuthorHandle:      cc.AuthorHandle,
			AuthorName:        cc.AuthorName,
			Body:              cc.Text,
			ContentHash:       identity.ContentHash(cc.Text, nil),
			PublishedAt:       timePtr(cc.PublishedAt),
		})
		if err != nil {
			r.log.Warnw("failed to persist comment, skipping",
				"post", cp.PlatformPostID, "comment", cc.PlatformCommentID, "error", err)
			continue
		}
		persisted++
	}
	return persisted
}

// cooldown waits the account's base cooldown plus up to 50% jitter.
func (r *Runner) cooldown(acct *store.Account) {
	base := time.Duration(acct.CooldownSeconds) * time.Second
	if base <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	r.sleep(base + jitter)
}

// dedupe collapses collected posts by platform id, falling back to
// author + content hash when no platform id was extracted.
func dedupe(posts []platform.CollectedPost) []platform.CollectedPost {
	seen := make(map[string]bool, len(posts))
	unique := make([]platform.CollectedPost, 0, len(posts))
	for _, p := range posts {
		key := p.PlatformPostID
		if key == "" {
			key = p.AuthorHandle + "\x00" + identity.ContentHash(p.Text, p.MediaURLs)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, p)
	}
	return unique
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
