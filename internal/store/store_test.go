package store

import (
	"errors"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/account"
	"github.com/driftline/driftline/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRunAccount(t *testing.T, s *Store) (*Account, *RunAccount) {
	t.Helper()
	acct, err := s.CreateAccount("x", "tester", 60)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	run, err := s.CreateScrapeRun("x", "manual")
	if err != nil {
		t.Fatalf("CreateScrapeRun: %v", err)
	}
	ra, err := s.CreateRunAccount(run.ID, acct.ID)
	if err != nil {
		t.Fatalf("CreateRunAccount: %v", err)
	}
	return acct, ra
}

func TestUpsertPostIdempotent(t *testing.T) {
	s := newTestStore(t)

	in := PostInput{
		Platform:       "x",
		PlatformPostID: "123",
		AuthorHandle:   "alice",
		ContentHash:    identity.ContentHash("hello world", nil),
	}

	// First pass sees the post without its body.
	id1, err := s.UpsertPost(in)
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	// Second pass brings the body along.
	in.Body = "hello world"
	id2, err := s.UpsertPost(in)
	if err != nil {
		t.Fatalf("UpsertPost (again): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("re-ingestion created a new row: %d != %d", id1, id2)
	}

	post, err := s.GetPost(id1)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Body == nil || *post.Body != "hello world" {
		t.Errorf("body was not backfilled: %v", post.Body)
	}

	// A filled body is never overwritten.
	in.Body = "something else"
	if _, err := s.UpsertPost(in); err != nil {
		t.Fatalf("UpsertPost (third): %v", err)
	}
	post, _ = s.GetPost(id1)
	if *post.Body != "hello world" {
		t.Errorf("existing body was overwritten: %q", *post.Body)
	}
}

func TestUpsertPostFallbackKey(t *testing.T) {
	s := newTestStore(t)

	in := PostInput{
		Platform:     "x",
		AuthorHandle: "alice",
		Body:         "no id here",
		ContentHash:  identity.ContentHash("no id here", nil),
	}
	id1, err := s.UpsertPost(in)
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}
	id2, err := s.UpsertPost(in)
	if err != nil {
		t.Fatalf("UpsertPost (again): %v", err)
	}
	if id1 != id2 {
		t.Errorf("same (author, hash) created two rows: %d != %d", id1, id2)
	}

	// Same text from a different author is a distinct post.
	in.AuthorHandle = "bob"
	id3, err := s.UpsertPost(in)
	if err != nil {
		t.Fatalf("UpsertPost (bob): %v", err)
	}
	if id3 == id1 {
		t.Error("different authors collapsed into one row")
	}
}

func TestUpsertCommentIdempotent(t *testing.T) {
	s := newTestStore(t)

	postID, err := s.UpsertPost(PostInput{
		Platform: "x", PlatformPostID: "1", AuthorHandle: "alice",
		Body: "root", ContentHash: identity.ContentHash("root", nil),
	})
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	in := CommentInput{
		PostID:            postID,
		PlatformCommentID: "c1",
		AuthorHandle:      "bob",
		Body:              "nice post",
		ContentHash:       identity.ContentHash("nice post", nil),
	}
	id1, err := s.UpsertComment(in)
	if err != nil {
		t.Fatalf("UpsertComment: %v", err)
	}
	id2, err := s.UpsertComment(in)
	if err != nil {
		t.Fatalf("UpsertComment (again): %v", err)
	}
	if id1 != id2 {
		t.Errorf("re-ingestion created a new comment: %d != %d", id1, id2)
	}

	n, err := s.CountComments(postID)
	if err != nil {
		t.Fatalf("CountComments: %v", err)
	}
	if n != 1 {
		t.Errorf("CountComments = %d, want 1", n)
	}
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestStore(t)

	acct, err := s.CreateAccount("x", "alice", 60)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acct.Status != account.StatusNeedsInitialAuth {
		t.Fatalf("new account status = %q, want needs_initial_auth", acct.Status)
	}

	if err := s.SetAccountSession(acct.ID, `{"cookies":[]}`); err != nil {
		t.Fatalf("SetAccountSession: %v", err)
	}
	got, _ := s.GetAccount(acct.ID)
	if got.Status != account.StatusActive {
		t.Fatalf("status after login = %q, want active", got.Status)
	}

	if err := s.TransitionAccount(acct.ID, account.StatusNeedsReauth, "SESSION_EXPIRED", "cookies expired"); err != nil {
		t.Fatalf("TransitionAccount: %v", err)
	}
	got, _ = s.GetAccount(acct.ID)
	if got.Status != account.StatusNeedsReauth || got.LastErrorCode != "SESSION_EXPIRED" {
		t.Errorf("got status=%q code=%q", got.Status, got.LastErrorCode)
	}

	// Re-login clears the error and reactivates.
	if err := s.SetAccountSession(acct.ID, `{"cookies":["fresh"]}`); err != nil {
		t.Fatalf("SetAccountSession (reauth): %v", err)
	}
	got, _ = s.GetAccount(acct.ID)
	if got.Status != account.StatusActive || got.LastErrorCode != "" {
		t.Errorf("got status=%q code=%q after reauth", got.Status, got.LastErrorCode)
	}

	// active -> needs_initial_auth is not a legal edge.
	if err := s.TransitionAccount(acct.ID, account.StatusNeedsInitialAuth, "", ""); err == nil {
		t.Error("expected invalid transition error")
	}
}

func TestTriageOrderingAndSelection(t *testing.T) {
	s := newTestStore(t)
	_, ra := newTestRunAccount(t, s)

	scores := []int{40, 90, 75, 90, 75}
	var postIDs []int64
	for i, score := range scores {
		body := string(rune('a' + i))
		id, err := s.UpsertPost(PostInput{
			Platform: "x", PlatformPostID: body, AuthorHandle: "alice",
			Body: body, ContentHash: identity.ContentHash(body, nil),
		})
		if err != nil {
			t.Fatalf("UpsertPost: %v", err)
		}
		postIDs = append(postIDs, id)
		if err := s.InsertTriage(TriageInput{
			RunAccountID: ra.ID, PostID: id, Score: score,
			Label: "keep", Action: "reply", Confidence: 0.9,
		}); err != nil {
			t.Fatalf("InsertTriage: %v", err)
		}
	}

	top, err := s.ListTriageByScore(ra.ID, 3)
	if err != nil {
		t.Fatalf("ListTriageByScore: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("got %d rows, want 3", len(top))
	}
	// Ties break on post id ascending: the two 90s in insert order,
	// then the first 75.
	want := []int64{postIDs[1], postIDs[3], postIDs[2]}
	for i, tr := range top {
		if tr.PostID != want[i] {
			t.Errorf("rank %d: post %d, want %d", i+1, tr.PostID, want[i])
		}
	}

	// A duplicate verdict for the same (run-account, post) is ignored.
	if err := s.InsertTriage(TriageInput{
		RunAccountID: ra.ID, PostID: postIDs[0], Score: 99,
		Label: "keep", Action: "reply", Confidence: 1,
	}); err != nil {
		t.Fatalf("InsertTriage (dup): %v", err)
	}
	all, _ := s.ListTriageByScore(ra.ID, 10)
	for _, tr := range all {
		if tr.PostID == postIDs[0] && tr.Score != 40 {
			t.Errorf("duplicate triage replaced the original verdict: score %d", tr.Score)
		}
	}
}

func TestApproveDraftMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	_, ra := newTestRunAccount(t, s)

	postID, err := s.UpsertPost(PostInput{
		Platform: "x", PlatformPostID: "p1", AuthorHandle: "alice",
		Body: "draft me", ContentHash: identity.ContentHash("draft me", nil),
	})
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}

	drafts := []DraftInput{
		{OptionIndex: 0, Body: "option one", Tone: "casual", Length: "short"},
		{OptionIndex: 1, Body: "option two", Tone: "direct", Length: "medium"},
		{OptionIndex: 2, Body: "option three", Tone: "playful", Length: "short"},
	}
	if err := s.InsertDrafts(ra.ID, postID, "draft-v1", "{}", drafts); err != nil {
		t.Fatalf("InsertDrafts: %v", err)
	}

	rows, err := s.ListDrafts(ra.ID, postID)
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d drafts, want 3", len(rows))
	}

	if err := s.ApproveDraft(rows[1].ID); err != nil {
		t.Fatalf("ApproveDraft: %v", err)
	}
	rows, _ = s.ListDrafts(ra.ID, postID)
	for _, d := range rows {
		want := DraftStatusRejected
		if d.ID == rows[1].ID {
			want = DraftStatusApproved
		}
		if d.Status != want {
			t.Errorf("draft %d status = %q, want %q", d.OptionIndex, d.Status, want)
		}
	}
}

func TestPolicySnapshotFrozen(t *testing.T) {
	s := newTestStore(t)
	acct, ra := newTestRunAccount(t, s)

	if err := s.SetPolicy(acct.ID, Policy{Topics: []string{"go"}, Tone: "dry"}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}

	snap1, err := s.GetOrCreatePolicySnapshot(ra.ID, acct.ID)
	if err != nil {
		t.Fatalf("GetOrCreatePolicySnapshot: %v", err)
	}

	// The live policy moves on; the snapshot must not.
	if err := s.SetPolicy(acct.ID, Policy{Topics: []string{"rust"}, Tone: "loud"}); err != nil {
		t.Fatalf("SetPolicy (update): %v", err)
	}

	snap2, err := s.GetOrCreatePolicySnapshot(ra.ID, acct.ID)
	if err != nil {
		t.Fatalf("GetOrCreatePolicySnapshot (again): %v", err)
	}
	if snap2.ID != snap1.ID {
		t.Fatalf("second call created a new snapshot: %d != %d", snap2.ID, snap1.ID)
	}
	p, err := snap2.DecodePolicy()
	if err != nil {
		t.Fatalf("DecodePolicy: %v", err)
	}
	if len(p.Topics) != 1 || p.Topics[0] != "go" {
		t.Errorf("snapshot drifted with the live policy: %+v", p)
	}
}

func TestPolicySnapshotDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	acct, ra := newTestRunAccount(t, s)

	snap, err := s.GetOrCreatePolicySnapshot(ra.ID, acct.ID)
	if err != nil {
		t.Fatalf("GetOrCreatePolicySnapshot: %v", err)
	}
	p, err := snap.DecodePolicy()
	if err != nil {
		t.Fatalf("DecodePolicy: %v", err)
	}
	if len(p.Languages) == 0 {
		t.Error("default policy should carry at least one language")
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	s := newTestStore(t)
	_, ra := newTestRunAccount(t, s)

	// A negative threshold makes everything currently running stale.
	swept, err := s.RecoverStaleRuns(-time.Second)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if swept != 2 {
		t.Errorf("swept %d rows, want 2", swept)
	}

	got, err := s.GetRunAccount(ra.ID)
	if err != nil {
		t.Fatalf("GetRunAccount: %v", err)
	}
	if got.Status != RunAccountStatusFailed {
		t.Errorf("run-account status = %q, want failed", got.Status)
	}
	if got.ErrorCode != "RUN_LOCK_RECOVERED" {
		t.Errorf("error code = %q", got.ErrorCode)
	}

	run, err := s.GetScrapeRun(ra.RunID)
	if err != nil {
		t.Fatalf("GetScrapeRun: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}

	// Fresh running rows survive a sweep with a real threshold.
	run2, _ := s.CreateScrapeRun("x", "manual")
	if _, err := s.RecoverStaleRuns(time.Hour); err != nil {
		t.Fatalf("RecoverStaleRuns (fresh): %v", err)
	}
	got2, _ := s.GetScrapeRun(run2.ID)
	if got2.Status != RunStatusRunning {
		t.Errorf("fresh run was swept: %q", got2.Status)
	}
}

func TestCronJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	acct, _ := newTestRunAccount(t, s)

	cfg := JobConfig{CollectHome: true, MaxPosts: 50, GenerateDrafts: true}
	job, err := s.CreateCronJob("daily", acct.ID, "0 9 * * *", "America/New_York", cfg)
	if err != nil {
		t.Fatalf("CreateCronJob: %v", err)
	}
	if !job.Enabled {
		t.Error("new job should be enabled")
	}

	got, err := job.DecodeConfig()
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if !got.CollectHome || got.MaxPosts != 50 || !got.GenerateDrafts {
		t.Errorf("config roundtrip lost fields: %+v", got)
	}

	next := time.Now().UTC().Add(-time.Minute)
	if err := s.SetJobNextRun(job.ID, next); err != nil {
		t.Fatalf("SetJobNextRun: %v", err)
	}
	due, err := s.ListDueJobs(time.Now().UTC())
	if err != nil {
		t.Fatalf("ListDueJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != job.ID {
		t.Fatalf("due jobs = %v, want just job %d", due, job.ID)
	}

	// A disabled job is never due.
	if err := s.SetCronJobEnabled(job.ID, false); err != nil {
		t.Fatalf("SetCronJobEnabled: %v", err)
	}
	due, _ = s.ListDueJobs(time.Now().UTC())
	if len(due) != 0 {
		t.Errorf("disabled job still due: %v", due)
	}
	s.SetCronJobEnabled(job.ID, true)

	// Single-flight: an unfinished job-run blocks re-dispatch.
	jr, err := s.CreateCronJobRun(job.ID)
	if err != nil {
		t.Fatalf("CreateCronJobRun: %v", err)
	}
	active, err := s.JobHasActiveRun(job.ID)
	if err != nil {
		t.Fatalf("JobHasActiveRun: %v", err)
	}
	if !active {
		t.Error("expected an active run")
	}
	if err := s.FinishCronJobRun(jr.ID, JobRunStatusSuccess, ""); err != nil {
		t.Fatalf("FinishCronJobRun: %v", err)
	}
	if active, _ = s.JobHasActiveRun(job.ID); active {
		t.Error("finished run still counted as active")
	}

	if err := s.DeleteCronJob(job.ID); err != nil {
		t.Fatalf("DeleteCronJob: %v", err)
	}
	if _, err := s.GetCronJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCronJob after delete: %v", err)
	}
	runs, _ := s.ListCronJobRuns(job.ID, 10)
	if len(runs) != 0 {
		t.Errorf("run history survived delete: %d rows", len(runs))
	}
}
