// Package platform defines the capability interface the orchestration
// core consumes to drive a social platform. One adapter per platform is
// registered in a lookup table keyed by platform name; the core never
// switches on platform identifiers itself.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CollectedPost is a post as extracted from the platform, before
// identity resolution and persistence.
type CollectedPost struct {
	PlatformPostID string
	AuthorHandle   string
	AuthorName     string
	Text           string
	MediaURLs      []string
	URL            string
	PublishedAt    time.Time
	IsRepost       bool
	IsReply        bool
}

// CollectedComment is a comment extracted from a post's thread.
type CollectedComment struct {
	PlatformCommentID string
	// ParentPostID is the platform post id of the thread root.
	ParentPostID string
	// ParentCommentID is the platform id of the comment replied to,
	// empty for top-level comments.
	ParentCommentID string
	AuthorHandle    string
	AuthorName      string
	Text            string
	PublishedAt     time.Time
}

// Metrics are point-in-time engagement counts. Nil means the platform
// did not expose the value.
type Metrics struct {
	Likes   *int64
	Replies *int64
	Reposts *int64
	Views   *int64
}

// SessionCheck is the result of validating an open session.
type SessionCheck struct {
	Valid  bool
	Reason string
}

// EntityKind selects what ExtractMetrics operates on.
type EntityKind string

const (
	EntityPost    EntityKind = "post"
	EntityComment EntityKind = "comment"
)

// CollectOptions bound one collection call.
type CollectOptions struct {
	MaxPosts    int
	MaxComments int
}

// Session is one authenticated browser session against a platform.
// All collection calls are best-effort: adapters return partial or
// empty results on recoverable per-item failures rather than erroring.
type Session interface {
	// Validate checks that the session is authenticated.
	Validate(ctx context.Context) (SessionCheck, error)

	CollectHome(ctx context.Context, opts CollectOptions) ([]CollectedPost, error)
	CollectProfile(ctx context.Context, handle string, opts CollectOptions) ([]CollectedPost, error)
	CollectSearch(ctx context.Context, query string, opts CollectOptions) ([]CollectedPost, error)

	// ExpandThreadComments fetches comments for the post at postURL.
	ExpandThreadComments(ctx context.Context, postURL string, opts CollectOptions) ([]CollectedComment, error)

	// ExtractMetrics fetches current engagement counts for one entity.
	ExtractMetrics(ctx context.Context, kind EntityKind, ref string) (Metrics, error)

	// Close releases the underlying browser resources.
	Close() error
}

// Adapter creates sessions for one platform.
type Adapter interface {
	// Platform returns the platform identifier, e.g. "x".
	Platform() string

	// Open starts a session from a stored credential blob. The blob is
	// opaque to the core; an empty blob is a valid input and yields a
	// session whose Validate reports invalid.
	Open(ctx context.Context, credentialBlob string) (Session, error)

	// PerformLogin runs the platform's interactive login flow and
	// returns a fresh credential blob on success.
	PerformLogin(ctx context.Context, handle string) (string, error)
}

// Registry maps platform names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one for the platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get resolves the adapter for a platform.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", name)
	}
	return a, nil
}

// Platforms lists registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
