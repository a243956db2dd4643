package xadapter

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/platform"
)

// session is one authenticated browser context against X.com.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.SugaredLogger
	creds    credentialBlob
	delayMin time.Duration
	delayMax time.Duration
}

// injectCookies sets stored cookies in the browser context.
func (s *session) injectCookies(ctx context.Context) error {
	return chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range s.creds.Cookies {
				err := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithPath(c.Path).
					WithSecure(c.Secure).
					WithHTTPOnly(c.HTTPOnly).
					WithSameSite(c.SameSite).
					Do(ctx)
				if err != nil {
					return err
				}
			}
			return nil
		}),
	)
}

// Validate checks that the session carries a live login.
func (s *session) Validate(ctx context.Context) (platform.SessionCheck, error) {
	if len(s.creds.Cookies) == 0 {
		return platform.SessionCheck{Valid: false, Reason: "no stored session state"}, nil
	}
	if !s.creds.ExpiresAt.IsZero() && time.Now().After(s.creds.ExpiresAt) {
		return platform.SessionCheck{Valid: false, Reason: "session cookies expired"}, nil
	}

	checkCtx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	if err := chromedp.Run(checkCtx, chromedp.Navigate("https://x.com/home")); err != nil {
		return platform.SessionCheck{}, fmt.Errorf("failed to load home page: %w", err)
	}

	// The compose button only renders for authenticated users.
	var loggedIn bool
	err := chromedp.Run(checkCtx, chromedp.Evaluate(
		fmt.Sprintf(`document.querySelector(%q) !== null`, homeIndicator), &loggedIn))
	if err != nil {
		return platform.SessionCheck{}, fmt.Errorf("failed to probe auth state: %w", err)
	}
	if !loggedIn {
		return platform.SessionCheck{Valid: false, Reason: "home page did not render authenticated UI"}, nil
	}
	return platform.SessionCheck{Valid: true}, nil
}

// CollectHome scrolls the For You feed and extracts posts.
func (s *session) CollectHome(ctx context.Context, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return s.collectFeed(ctx, "https://x.com/home", opts)
}

// CollectProfile extracts posts from one profile timeline.
func (s *session) CollectProfile(ctx context.Context, handle string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	return s.collectFeed(ctx, "https://x.com/"+url.PathEscape(handle), opts)
}

// CollectSearch extracts posts from a live search.
func (s *session) CollectSearch(ctx context.Context, query string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	target := "https://x.com/search?q=" + url.QueryEscape(query) + "&f=live"
	return s.collectFeed(ctx, target, opts)
}

func (s *session) collectFeed(ctx context.Context, target string, opts platform.CollectOptions) ([]platform.CollectedPost, error) {
	feedCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	if err := chromedp.Run(feedCtx,
		chromedp.Navigate(target),
		chromedp.WaitVisible(feedContainer, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", target, err)
	}

	max := opts.MaxPosts
	if max <= 0 {
		max = 50
	}
	return s.scrollAndExtract(feedCtx, max)
}

// scrollAndExtract scrolls and extracts posts until max is reached or
// the feed stops yielding new content.
func (s *session) scrollAndExtract(ctx context.Context, max int) ([]platform.CollectedPost, error) {
	var posts []platform.CollectedPost
	seen := make(map[string]bool)
	attempts := 0
	maxAttempts := max/5 + 3 // roughly 5 posts per viewport

	for len(posts) < max && attempts < maxAttempts {
		raw, err := s.extractVisiblePosts(ctx)
		if err != nil {
			// Partial results beat a hard failure mid-scroll.
			s.log.Warnw("post extraction failed, returning what we have", "error", err)
			return posts, nil
		}
		for _, p := range raw {
			if p.PlatformPostID == "" || seen[p.PlatformPostID] {
				continue
			}
			seen[p.PlatformPostID] = true
			posts = append(posts, p)
		}

		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil)); err != nil {
			return posts, nil
		}
		time.Sleep(pickDelay(s.delayMin, s.delayMax))
		attempts++
	}

	if len(posts) > max {
		posts = posts[:max]
	}
	return posts, nil
}

// rawPost is the shape produced by the injected extraction script.
type rawPost struct {
	ID           string   `json:"id"`
	AuthorHandle string   `json:"authorHandle"`
	AuthorName   string   `json:"authorName"`
	Content      string   `json:"content"`
	MediaURLs    []string `json:"mediaUrls"`
	Timestamp    string   `json:"timestamp"`
	IsRepost     bool     `json:"isRepost"`
	IsReply      bool     `json:"isReply"`
	OriginalURL  string   `json:"originalUrl"`
}

const extractPostsJS = `
	(function() {
		const articles = document.querySelectorAll('article[data-testid="tweet"]');
		const results = [];
		articles.forEach(el => {
			try {
				const statusLink = el.querySelector('a[href*="/status/"]');
				const id = statusLink?.href?.match(/status\/(\d+)/)?.[1];
				if (!id) return;

				const userNameEl = el.querySelector('[data-testid="User-Name"]');
				let authorHandle = '';
				let authorName = '';
				if (userNameEl) {
					const handleLink = userNameEl.querySelector('a[href^="/"]');
					if (handleLink) {
						authorHandle = handleLink.getAttribute('href')?.replace('/', '') || '';
					}
					authorName = userNameEl.querySelector('span')?.textContent || '';
				}

				const content = el.querySelector('[data-testid="tweetText"]')?.textContent || '';

				const mediaUrls = [];
				el.querySelectorAll('[data-testid="tweetPhoto"] img, [data-testid="videoPlayer"] video').forEach(m => {
					const src = m.src || m.poster;
					if (src) mediaUrls.push(src);
				});

				const timestamp = el.querySelector('time')?.getAttribute('datetime') || '';

				const socialContext = el.querySelector('[data-testid="socialContext"]');
				const isRepost = socialContext?.textContent?.toLowerCase().includes('repost') || false;
				const isReply = el.textContent?.includes('Replying to') || false;

				results.push({
					id, authorHandle, authorName, content, mediaUrls,
					timestamp, isRepost, isReply,
					originalUrl: statusLink?.href || ''
				});
			} catch (e) {
				console.error('extract error:', e);
			}
		});
		return results;
	})()
`

func (s *session) extractVisiblePosts(ctx context.Context) ([]platform.CollectedPost, error) {
	var raw []rawPost
	if err := chromedp.Run(ctx, chromedp.Evaluate(extractPostsJS, &raw)); err != nil {
		return nil, fmt.Errorf("failed to extract posts from DOM: %w", err)
	}

	posts := make([]platform.CollectedPost, 0, len(raw))
	for _, rp := range raw {
		if rp.ID == "" {
			continue
		}
		var published time.Time
		if rp.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, rp.Timestamp); err == nil {
				published = parsed
			}
		}
		posts = append(posts, platform.CollectedPost{
			PlatformPostID: rp.ID,
			AuthorHandle:   rp.AuthorHandle,
			AuthorName:     rp.AuthorName,
			Text:           rp.Content,
			MediaURLs:      rp.MediaURLs,
			URL:            rp.OriginalURL,
			PublishedAt:    published,
			IsRepost:       rp.IsRepost,
			IsReply:        rp.IsReply,
		})
	}
	return posts, nil
}

// ExpandThreadComments loads a post's page and extracts reply posts.
func (s *session) ExpandThreadComments(ctx context.Context, postURL string, opts platform.CollectOptions) ([]platform.CollectedComment, error) {
	threadCtx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	if err := chromedp.Run(threadCtx,
		chromedp.Navigate(postURL),
		chromedp.WaitVisible(postArticle, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", postURL, err)
	}

	max := opts.MaxComments
	if max <= 0 {
		max = 20
	}

	// On a status page the first article is the root post; the rest of
	// the feed is the reply thread, so reuse the post extractor.
	replies, err := s.scrollAndExtract(threadCtx, max+1)
	if err != nil {
		return nil, err
	}

	rootID := platformIDFromURL(postURL)
	comments := make([]platform.CollectedComment, 0, len(replies))
	for _, p := range replies {
		if p.PlatformPostID == rootID {
			continue
		}
		comments = append(comments, platform.CollectedComment{
			PlatformCommentID: p.PlatformPostID,
			ParentPostID:      rootID,
			AuthorHandle:      p.AuthorHandle,
			AuthorName:        p.AuthorName,
			Text:              p.Text,
			PublishedAt:       p.PublishedAt,
		})
		if len(comments) >= max {
			break
		}
	}
	return comments, nil
}

// ExtractMetrics reads engagement counts from the entity's page.
func (s *session) ExtractMetrics(ctx context.Context, kind platform.EntityKind, ref string) (platform.Metrics, error) {
	metricCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	type rawMetrics struct {
		Likes   string `json:"likes"`
		Replies string `json:"replies"`
		Reposts string `json:"reposts"`
		Views   string `json:"views"`
	}
	const metricsJS = `
		(function() {
			const el = document.querySelector('article[data-testid="tweet"]');
			const get = (testId) => {
				const m = el?.querySelector('[data-testid="' + testId + '"]');
				if (!m) return '';
				const aria = m.getAttribute('aria-label');
				if (aria) {
					const match = aria.match(/^([\d,.]+[KkMm]?)/);
					if (match) return match[1];
				}
				return m.textContent?.trim() || '';
			};
			return {
				likes: get('like'),
				replies: get('reply'),
				reposts: get('retweet'),
				views: ''
			};
		})()
	`

	var raw rawMetrics
	if err := chromedp.Run(metricCtx,
		chromedp.Navigate(ref),
		chromedp.WaitVisible(postArticle, chromedp.ByQuery),
		chromedp.Evaluate(metricsJS, &raw),
	); err != nil {
		return platform.Metrics{}, fmt.Errorf("failed to extract metrics for %s: %w", ref, err)
	}

	var m platform.Metrics
	if raw.Likes != "" {
		v := parseMetric(raw.Likes)
		m.Likes = &v
	}
	if raw.Replies != "" {
		v := parseMetric(raw.Replies)
		m.Replies = &v
	}
	if raw.Reposts != "" {
		v := parseMetric(raw.Reposts)
		m.Reposts = &v
	}
	return m, nil
}

// Close tears down the browser context.
func (s *session) Close() error {
	s.cancel()
	return nil
}

// pickDelay returns a uniformly random pause in [min, max], so scroll
// cadence doesn't look machine-regular.
func pickDelay(min, max time.Duration) time.Duration {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// platformIDFromURL pulls the numeric status id out of a post URL.
func platformIDFromURL(postURL string) string {
	const marker = "/status/"
	idx := len(postURL)
	for i := 0; i+len(marker) <= len(postURL); i++ {
		if postURL[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx >= len(postURL) {
		return ""
	}
	end := idx
	for end < len(postURL) && postURL[end] >= '0' && postURL[end] <= '9' {
		end++
	}
	return postURL[idx:end]
}
