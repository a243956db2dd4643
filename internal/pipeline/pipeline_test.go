package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/identity"
	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/platform"
	"github.com/driftline/driftline/internal/store"
)

// fakeLLM answers triage requests with a score embedded in the post
// body ("score=NN") and draft requests with three fixed options.
type fakeLLM struct {
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls++
	if strings.Contains(req.System, "triage") {
		score := 0
		if idx := strings.Index(req.User, "score="); idx >= 0 {
			fmt.Sscanf(req.User[idx:], "score=%d", &score)
		}
		return fmt.Sprintf(`{"score": %d, "label": "keep", "reasons": ["on topic"], "action": "reply", "confidence": 0.9}`, score), nil
	}
	return `{"options": [
		{"text": "first take", "tone": "dry", "length": "short"},
		{"text": "second take", "tone": "warm", "length": "medium"},
		{"text": "third take", "tone": "direct", "length": "short"}
	]}`, nil
}

type fakeSession struct{}

func (fakeSession) Validate(ctx context.Context) (platform.SessionCheck, error) {
	return platform.SessionCheck{Valid: true}, nil
}

func (fakeSession) CollectHome(ctx context.Context, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return nil, nil
}

func (fakeSession) CollectProfile(ctx context.Context, handle string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return nil, nil
}

func (fakeSession) CollectSearch(ctx context.Context, query string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return nil, nil
}

func (fakeSession) ExpandThreadComments(ctx context.Context, postURL string, opts platform.CollectOptions) ([]platform.CollectedComment, error) {
	return []platform.CollectedComment{
		{PlatformCommentID: "deep-" + postURL[len(postURL)-1:], AuthorHandle: "replier", Text: "thread reply for " + postURL},
	}, nil
}

func (fakeSession) ExtractMetrics(ctx context.Context, kind platform.EntityKind, ref string) (platform.Metrics, error) {
	return platform.Metrics{}, nil
}

func (fakeSession) Close() error { return nil }

type fakeAdapter struct{}

func (fakeAdapter) Platform() string { return "x" }

func (fakeAdapter) Open(ctx context.Context, blob string) (platform.Session, error) {
	return fakeSession{}, nil
}

func (fakeAdapter) PerformLogin(ctx context.Context, handle string) (string, error) {
	return "", nil
}

type fixture struct {
	coord *Coordinator
	store *store.Store
	llm   *fakeLLM
	acct  *store.Account
	ra    *store.RunAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	acct, err := st.CreateAccount("x", "tester", 60)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.SetAccountSession(acct.ID, `{"cookies":[]}`); err != nil {
		t.Fatalf("SetAccountSession: %v", err)
	}
	run, err := st.CreateScrapeRun("x", "manual")
	if err != nil {
		t.Fatalf("CreateScrapeRun: %v", err)
	}
	ra, err := st.CreateRunAccount(run.ID, acct.ID)
	if err != nil {
		t.Fatalf("CreateRunAccount: %v", err)
	}

	registry := platform.NewRegistry()
	registry.Register(fakeAdapter{})
	client := &fakeLLM{}

	return &fixture{
		coord: NewCoordinator(st, registry, client, zap.NewNop().Sugar()),
		store: st,
		llm:   client,
		acct:  acct,
		ra:    ra,
	}
}

func (f *fixture) seedPost(t *testing.T, n, score int) int64 {
	t.Helper()
	body := fmt.Sprintf("post %d score=%d", n, score)
	id, err := f.store.UpsertPost(store.PostInput{
		Platform:       "x",
		PlatformPostID: fmt.Sprintf("p%d", n),
		AuthorHandle:   "author",
		Body:           body,
		URL:            fmt.Sprintf("https://x.com/author/status/p%d", n),
		ContentHash:    identity.ContentHash(body, nil),
	})
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}
	return id
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)

	scores := []int{90, 82, 75, 40, 10}
	var postIDs []int64
	for i, s := range scores {
		postIDs = append(postIDs, f.seedPost(t, i, s))
	}

	cfg := DefaultConfig()
	cfg.TopN = 3
	cfg.ScoreThreshold = 75

	result, err := f.coord.Run(context.Background(), f.ra.ID, f.acct.ID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected stage errors: %+v", result.Errors)
	}
	if result.Triaged != 5 {
		t.Errorf("Triaged = %d, want 5", result.Triaged)
	}
	// Top 3 by score are 90, 82, 75; all clear the threshold.
	if result.Selected != 3 {
		t.Errorf("Selected = %d, want 3", result.Selected)
	}
	if result.DeepScraped != 3 {
		t.Errorf("DeepScraped = %d, want 3", result.DeepScraped)
	}
	if result.DraftsGenerated != 3 {
		t.Errorf("DraftsGenerated = %d, want 3", result.DraftsGenerated)
	}

	selected, err := f.store.ListSelectedTriage(f.ra.ID)
	if err != nil {
		t.Fatalf("ListSelectedTriage: %v", err)
	}
	wantOrder := []int64{postIDs[0], postIDs[1], postIDs[2]}
	for i, tr := range selected {
		if tr.PostID != wantOrder[i] {
			t.Errorf("rank %d: post %d, want %d", i+1, tr.PostID, wantOrder[i])
		}
		if tr.Rank == nil || *tr.Rank != i+1 {
			t.Errorf("post %d rank = %v, want %d", tr.PostID, tr.Rank, i+1)
		}
	}

	// Each selected post got its thread expanded and three drafts.
	for _, id := range wantOrder {
		n, err := f.store.CountComments(id)
		if err != nil {
			t.Fatalf("CountComments: %v", err)
		}
		if n != 1 {
			t.Errorf("post %d has %d comments, want 1", id, n)
		}
		drafts, err := f.store.ListDrafts(f.ra.ID, id)
		if err != nil {
			t.Fatalf("ListDrafts: %v", err)
		}
		if len(drafts) != 3 {
			t.Errorf("post %d has %d drafts, want 3", id, len(drafts))
		}
	}

	// Re-running is idempotent: existing verdicts and drafts stand.
	callsBefore := f.llm.calls
	result2, err := f.coord.Run(context.Background(), f.ra.ID, f.acct.ID, cfg)
	if err != nil {
		t.Fatalf("Run (again): %v", err)
	}
	if result2.Triaged != 0 || result2.DraftsGenerated != 0 {
		t.Errorf("re-run did new LLM work: triaged=%d drafts=%d", result2.Triaged, result2.DraftsGenerated)
	}
	if f.llm.calls != callsBefore {
		t.Errorf("re-run made %d extra LLM calls", f.llm.calls-callsBefore)
	}
	if result2.SnapshotID != result.SnapshotID {
		t.Errorf("re-run used a different policy snapshot: %d != %d", result2.SnapshotID, result.SnapshotID)
	}
}

func TestPipelineThresholdGatesSelection(t *testing.T) {
	f := newFixture(t)

	for i, s := range []int{90, 60, 30} {
		f.seedPost(t, i, s)
	}

	cfg := DefaultConfig()
	cfg.TopN = 3
	cfg.ScoreThreshold = 75
	cfg.DraftsEnabled = false

	result, err := f.coord.Run(context.Background(), f.ra.ID, f.acct.ID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// All three are ranked but only the 90 clears the threshold.
	if result.Selected != 1 {
		t.Errorf("Selected = %d, want 1", result.Selected)
	}
	if result.DeepScraped != 1 {
		t.Errorf("DeepScraped = %d, want 1", result.DeepScraped)
	}
	if result.DraftsGenerated != 0 {
		t.Errorf("DraftsGenerated = %d, want 0 with the stage disabled", result.DraftsGenerated)
	}
}

func TestPipelineDisabledStages(t *testing.T) {
	f := newFixture(t)
	f.seedPost(t, 0, 95)

	cfg := DefaultConfig()
	cfg.TriageEnabled = false
	cfg.DeepScrapeEnabled = false
	cfg.DraftsEnabled = false

	result, err := f.coord.Run(context.Background(), f.ra.ID, f.acct.ID, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Triaged != 0 || result.Selected != 0 || result.DeepScraped != 0 || result.DraftsGenerated != 0 {
		t.Errorf("disabled stages produced work: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("disabled stages produced errors: %+v", result.Errors)
	}
	// The policy snapshot is created even when everything downstream is
	// off; later stages in another process need it.
	if result.SnapshotID == 0 {
		t.Error("no policy snapshot was created")
	}
	if f.llm.calls != 0 {
		t.Errorf("LLM was called %d times with triage disabled", f.llm.calls)
	}
}

func TestPipelineUnknownRunAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.coord.Run(context.Background(), "no-such-id", f.acct.ID, DefaultConfig()); err == nil {
		t.Fatal("expected error for unknown run-account")
	}
}

// Triage must only consider posts first seen during this run, not the
// whole table.
func TestTriageWindowedByRunStart(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	acct, _ := st.CreateAccount("x", "tester", 60)
	st.SetAccountSession(acct.ID, `{"cookies":[]}`)

	// Seed an old post, then wait so the run starts strictly after it.
	body := "old news score=99"
	if _, err := st.UpsertPost(store.PostInput{
		Platform: "x", PlatformPostID: "old", AuthorHandle: "author",
		Body: body, ContentHash: identity.ContentHash(body, nil),
	}); err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	run, _ := st.CreateScrapeRun("x", "manual")
	ra, _ := st.CreateRunAccount(run.ID, acct.ID)

	registry := platform.NewRegistry()
	registry.Register(fakeAdapter{})
	client := &fakeLLM{}
	coord := NewCoordinator(st, registry, client, zap.NewNop().Sugar())

	result, err := coord.Run(context.Background(), ra.ID, acct.ID, DefaultConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Triaged != 0 {
		t.Errorf("Triaged = %d, want 0 for a pre-run post", result.Triaged)
	}
}
