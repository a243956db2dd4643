package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/account"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// fakeSession's behavior is keyed by the credential blob it was opened
// with.
type fakeSession struct {
	blob string
}

func (f *fakeSession) Validate(ctx context.Context) (platform.SessionCheck, error) {
	switch f.blob {
	case "invalid":
		return platform.SessionCheck{Valid: false, Reason: "logged out"}, nil
	case "navfail":
		return platform.SessionCheck{}, errors.New("net::ERR_TIMED_OUT")
	}
	return platform.SessionCheck{Valid: true}, nil
}

func (f *fakeSession) CollectHome(ctx context.Context, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return []platform.CollectedPost{{
		PlatformPostID: "p-" + f.blob,
		AuthorHandle:   "someone",
		Text:           "a post collected with " + f.blob,
		URL:            "https://x.com/someone/status/p-" + f.blob,
		PublishedAt:    time.Now().Add(-time.Hour),
	}}, nil
}

func (f *fakeSession) CollectProfile(ctx context.Context, handle string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return nil, nil
}

func (f *fakeSession) CollectSearch(ctx context.Context, query string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return nil, nil
}

func (f *fakeSession) ExpandThreadComments(ctx context.Context, postURL string, opts platform.CollectOptions) ([]platform.CollectedComment, error) {
	return []platform.CollectedComment{{
		PlatformCommentID: "c-" + f.blob,
		AuthorHandle:      "replier",
		Text:              "a reply",
	}}, nil
}

func (f *fakeSession) ExtractMetrics(ctx context.Context, kind platform.EntityKind, ref string) (platform.Metrics, error) {
	likes := int64(5)
	return platform.Metrics{Likes: &likes}, nil
}

func (f *fakeSession) Close() error { return nil }

type fakeAdapter struct{}

func (fakeAdapter) Platform() string { return "x" }

func (fakeAdapter) Open(ctx context.Context, blob string) (platform.Session, error) {
	if blob == "openfail" {
		return nil, errors.New("chrome failed to launch")
	}
	return &fakeSession{blob: blob}, nil
}

func (fakeAdapter) PerformLogin(ctx context.Context, handle string) (string, error) {
	return "", errors.New("not supported")
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop().Sugar()
	registry := platform.NewRegistry()
	registry.Register(fakeAdapter{})

	runner := NewRunner(st, log)
	runner.sleep = func(time.Duration) {}

	return NewCoordinator(st, registry, runner, log), st
}

func addAccount(t *testing.T, st *store.Store, handle, blob string) *store.Account {
	t.Helper()
	acct, err := st.CreateAccount("x", handle, 60)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.SetAccountSession(acct.ID, blob); err != nil {
		t.Fatalf("SetAccountSession: %v", err)
	}
	got, _ := st.GetAccount(acct.ID)
	return got
}

func TestRunScrapeClassifiesAccounts(t *testing.T) {
	coord, st := newTestCoordinator(t)

	good := addAccount(t, st, "good", "ok")
	bad := addAccount(t, st, "bad", "invalid")
	broken := addAccount(t, st, "broken", "navfail")

	result, err := coord.RunScrape(context.Background(), "x", TriggerManual, nil, Options{CollectHome: true})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}

	if result.AccountsSucceeded != 1 || result.AccountsSkipped != 1 || result.AccountsFailed != 1 {
		t.Fatalf("got succeeded=%d skipped=%d failed=%d, want 1/1/1",
			result.AccountsSucceeded, result.AccountsSkipped, result.AccountsFailed)
	}
	if result.Status != store.RunStatusPartial {
		t.Errorf("run status = %q, want partial", result.Status)
	}
	if result.PostsFound != 1 || result.CommentsFound != 1 || result.SnapshotsWritten != 1 {
		t.Errorf("counts = posts:%d comments:%d snapshots:%d, want 1/1/1",
			result.PostsFound, result.CommentsFound, result.SnapshotsWritten)
	}

	// The dead session flags its account for reauth.
	gotBad, _ := st.GetAccount(bad.ID)
	if gotBad.Status != account.StatusNeedsReauth {
		t.Errorf("bad account status = %q, want needs_reauth", gotBad.Status)
	}
	if gotBad.LastErrorCode != "SESSION_INVALID" {
		t.Errorf("bad account error code = %q", gotBad.LastErrorCode)
	}

	// The generic failure stays active and lands in the error list.
	gotBroken, _ := st.GetAccount(broken.ID)
	if gotBroken.Status != account.StatusActive {
		t.Errorf("broken account status = %q, want active", gotBroken.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].AccountID != broken.ID {
		t.Fatalf("errors = %+v, want one entry for the broken account", result.Errors)
	}
	if result.Errors[0].Code != "NAVIGATION_FAILED" {
		t.Errorf("error code = %q", result.Errors[0].Code)
	}

	// Run-account rows match the per-account outcomes.
	ras, err := st.ListRunAccounts(result.RunID)
	if err != nil {
		t.Fatalf("ListRunAccounts: %v", err)
	}
	if len(ras) != 3 {
		t.Fatalf("got %d run-accounts, want 3", len(ras))
	}
	byAccount := map[int64]string{}
	for _, ra := range ras {
		byAccount[ra.AccountID] = ra.Status
	}
	if byAccount[good.ID] != store.RunAccountStatusSuccess {
		t.Errorf("good run-account status = %q", byAccount[good.ID])
	}
	if byAccount[bad.ID] != store.RunAccountStatusSkipped {
		t.Errorf("bad run-account status = %q", byAccount[bad.ID])
	}
	if byAccount[broken.ID] != store.RunAccountStatusFailed {
		t.Errorf("broken run-account status = %q", byAccount[broken.ID])
	}

	run, err := st.GetScrapeRun(result.RunID)
	if err != nil {
		t.Fatalf("GetScrapeRun: %v", err)
	}
	if run.Status != store.RunStatusPartial {
		t.Errorf("persisted run status = %q, want partial", run.Status)
	}
}

func TestRunScrapeOpenFailureKeepsAccountActive(t *testing.T) {
	coord, st := newTestCoordinator(t)
	acct := addAccount(t, st, "launcher", "openfail")

	result, err := coord.RunScrape(context.Background(), "x", TriggerManual, nil, Options{CollectHome: true})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}

	// A browser launch failure says nothing about the credentials, so
	// the account must not be demoted to needs_reauth.
	got, _ := st.GetAccount(acct.ID)
	if got.Status != account.StatusActive {
		t.Errorf("account status = %q, want active", got.Status)
	}
	if result.AccountsFailed != 1 || result.AccountsSkipped != 0 {
		t.Errorf("got failed=%d skipped=%d, want 1/0", result.AccountsFailed, result.AccountsSkipped)
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != "SCRAPER_ERROR" {
		t.Fatalf("errors = %+v, want one SCRAPER_ERROR entry", result.Errors)
	}
}

func TestRunScrapeAllSucceed(t *testing.T) {
	coord, st := newTestCoordinator(t)
	addAccount(t, st, "good", "ok")

	result, err := coord.RunScrape(context.Background(), "x", TriggerDaily, nil, Options{CollectHome: true})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if result.Status != store.RunStatusSuccess {
		t.Errorf("run status = %q, want success", result.Status)
	}
	if len(result.RunAccounts) != 1 || result.RunAccounts[0].Status != store.RunAccountStatusSuccess {
		t.Errorf("run-account results = %+v", result.RunAccounts)
	}
}

func TestRunScrapeNoActiveAccounts(t *testing.T) {
	coord, st := newTestCoordinator(t)

	// Present but never authenticated: not active, so nothing to do.
	if _, err := st.CreateAccount("x", "pending", 60); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	result, err := coord.RunScrape(context.Background(), "x", TriggerManual, nil, Options{CollectHome: true})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if result.Status != store.RunStatusPartial {
		t.Errorf("empty run status = %q, want partial", result.Status)
	}
}

func TestRunScrapeExplicitAccountWrongPlatform(t *testing.T) {
	coord, st := newTestCoordinator(t)
	acct := addAccount(t, st, "good", "ok")

	_, err := coord.RunScrape(context.Background(), "nosuch", TriggerManual, []int64{acct.ID}, Options{})
	if err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestRunScrapeTimeout(t *testing.T) {
	coord, st := newTestCoordinator(t)
	acct := addAccount(t, st, "slow", "ok")

	// A budget smaller than any real work makes the timeout win the
	// race; the outcome check tolerates the runner sneaking in first.
	coord.AccountTimeout = time.Nanosecond

	result, err := coord.RunScrape(context.Background(), "x", TriggerManual, []int64{acct.ID}, Options{CollectHome: true})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if result.AccountsSucceeded+result.AccountsFailed != 1 {
		t.Fatalf("account not terminal: %+v", result)
	}
	if result.AccountsFailed == 1 && result.Errors[0].Code != "ACCOUNT_SCRAPE_TIMEOUT" {
		t.Errorf("error code = %q, want ACCOUNT_SCRAPE_TIMEOUT", result.Errors[0].Code)
	}
}

func TestDedupe(t *testing.T) {
	posts := []platform.CollectedPost{
		{PlatformPostID: "1", Text: "a"},
		{PlatformPostID: "1", Text: "a again"},
		{AuthorHandle: "alice", Text: "no id"},
		{AuthorHandle: "alice", Text: "no id"},
		{AuthorHandle: "bob", Text: "no id"},
	}
	unique := dedupe(posts)
	if len(unique) != 3 {
		t.Fatalf("got %d unique posts, want 3", len(unique))
	}
}
