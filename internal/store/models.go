package store

import (
	"time"

	"github.com/driftline/driftline/internal/account"
)

// Run and row statuses. Terminal once ended_at is set.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"

	RunAccountStatusRunning = "running"
	RunAccountStatusSuccess = "success"
	RunAccountStatusSkipped = "skipped_needs_reauth"
	RunAccountStatusFailed  = "failed"

	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusSuccess = "success"
	TaskStatusFailed  = "failed"

	DraftStatusGenerated = "generated"
	DraftStatusApproved  = "approved"
	DraftStatusRejected  = "rejected"

	JobRunStatusRunning = "running"
	JobRunStatusSuccess = "success"
	JobRunStatusFailed  = "failed"
)

// Account is a platform account the coordinator scrapes on behalf of.
type Account struct {
	ID              int64
	Platform        string
	Handle          string
	Status          account.Status
	CooldownSeconds int
	SessionBlob     string
	LastErrorCode   string
	LastErrorDetail string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Policy is the per-account engagement policy guiding triage and drafts.
type Policy struct {
	Topics    []string `json:"topics"`
	Goals     []string `json:"goals"`
	Tone      string   `json:"tone"`
	AvoidList []string `json:"avoid_list"`
	Languages []string `json:"languages"`
}

// DefaultPolicy is used when an account has no policy configured.
func DefaultPolicy() Policy {
	return Policy{
		Topics:    []string{"general"},
		Goals:     []string{"grow audience"},
		Tone:      "friendly",
		Languages: []string{"en"},
	}
}

// ScrapeRun is one coordinator invocation across a platform's accounts.
type ScrapeRun struct {
	ID        string
	Platform  string
	Trigger   string
	Status    string
	Notes     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// RunAccount is one account's participation in one scrape run; the unit
// the engagement pipeline operates on.
type RunAccount struct {
	ID               string
	RunID            string
	AccountID        int64
	Status           string
	PostsFound       int
	CommentsFound    int
	SnapshotsWritten int
	ErrorCode        string
	ErrorDetail      string
	StartedAt        time.Time
	EndedAt          *time.Time
}

// Post is persisted platform content.
type Post struct {
	ID             int64
	Platform       string
	PlatformPostID string
	AuthorHandle   string
	AuthorName     string
	Body           *string
	MediaURLs      []string
	URL            string
	ContentHash    string
	PublishedAt    *time.Time
	IsRepost       bool
	IsReply        bool
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
}

// Comment is a persisted reply under a post.
type Comment struct {
	ID                int64
	PostID            int64
	PlatformCommentID string
	ParentCommentID   *int64
	AuthorHandle      string
	AuthorName        string
	Body              string
	ContentHash       string
	PublishedAt       *time.Time
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// MetricSnapshot is a point-in-time engagement reading for a post.
type MetricSnapshot struct {
	ID         int64
	PostID     int64
	Likes      *int64
	Replies    *int64
	Reposts    *int64
	Views      *int64
	CapturedAt time.Time
}

// PostTriage is the LLM judge's verdict for one (run-account, post).
type PostTriage struct {
	ID                    int64
	RunAccountID          string
	PostID                int64
	Score                 int
	Label                 string
	Action                string
	Confidence            float64
	Reasons               []string
	Rank                  *int
	IsTop                 bool
	SelectedForDeepScrape bool
	CreatedAt             time.Time
}

// DeepScrapeTask queues one selected post for thread expansion.
type DeepScrapeTask struct {
	ID           int64
	RunAccountID string
	PostID       int64
	Status       string
	AttemptCount int
	ErrorCode    string
	ErrorDetail  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Draft is one generated reply candidate.
type Draft struct {
	ID            int64
	RunAccountID  string
	PostID        int64
	OptionIndex   int
	Body          string
	Tone          string
	Length        string
	Status        string
	PromptVersion string
	PolicyContext string
	CreatedAt     time.Time
}

// PolicySnapshot freezes an account's policy for one run-account.
type PolicySnapshot struct {
	ID           int64
	RunAccountID string
	AccountID    int64
	Policy       string
	CreatedAt    time.Time
}

// CronJob is a persisted schedule driving one account's pipeline.
type CronJob struct {
	ID         int64
	Name       string
	AccountID  int64
	CronExpr   string
	Timezone   string
	Enabled    bool
	Config     string
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastStatus string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CronJobRun is one execution log entry for a cron job.
type CronJobRun struct {
	ID        string
	JobID     int64
	Status    string
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}
