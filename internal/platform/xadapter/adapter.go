// Package xadapter implements the platform adapter for X.com on top of
// chromedp. Sessions are resumed by injecting a stored cookie blob into
// a fresh browser context.
package xadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/platform"
)

// Adapter drives X.com through a headless Chrome instance.
type Adapter struct {
	headless bool
	log      *zap.SugaredLogger

	// ActionDelayMin and ActionDelayMax bound the random pause between
	// browser actions.
	ActionDelayMin time.Duration
	ActionDelayMax time.Duration
}

// New creates the X adapter.
func New(headless bool, log *zap.SugaredLogger) *Adapter {
	return &Adapter{
		headless:       headless,
		log:            log,
		ActionDelayMin: 500 * time.Millisecond,
		ActionDelayMax: 2 * time.Second,
	}
}

// Platform returns "x".
func (a *Adapter) Platform() string { return "x" }

// credentialBlob is the persisted session state.
type credentialBlob struct {
	Cookies    []*network.Cookie `json:"cookies"`
	CapturedAt time.Time         `json:"captured_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Open starts a browser context and injects the stored cookies. An
// empty blob still opens a session; Validate will report it invalid.
func (a *Adapter) Open(ctx context.Context, blob string) (platform.Session, error) {
	var creds credentialBlob
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &creds); err != nil {
			return nil, fmt.Errorf("failed to decode credential blob: %w", err)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(a.headless)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &session{
		ctx: browserCtx,
		log: a.log,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		creds:    creds,
		delayMin: a.ActionDelayMin,
		delayMax: a.ActionDelayMax,
	}

	if len(creds.Cookies) > 0 {
		if err := s.injectCookies(browserCtx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to inject cookies: %w", err)
		}
	}

	return s, nil
}

// PerformLogin opens a visible browser window, waits for the operator
// to complete the X login flow, and returns the captured cookie blob.
func (a *Adapter) PerformLogin(ctx context.Context, handle string) (string, error) {
	// Login is always headful: a human drives it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(false)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate("https://x.com/login")); err != nil {
		return "", fmt.Errorf("failed to navigate to login page: %w", err)
	}

	a.log.Infow("waiting for interactive login", "platform", "x", "handle", handle)

	cookies, err := waitForLogin(browserCtx)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	blob := credentialBlob{
		Cookies:    cookies,
		CapturedAt: time.Now(),
		ExpiresAt:  earliestAuthExpiry(cookies),
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// waitForLogin polls until the user has successfully logged in.
func waitForLogin(ctx context.Context) ([]*network.Cookie, error) {
	timeout := time.After(5 * time.Minute)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("login timeout exceeded")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var url string
			if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
				continue
			}
			if url != "https://x.com/home" && url != "https://twitter.com/home" {
				continue
			}
			cookies, err := getAllCookies(ctx)
			if err != nil {
				continue
			}
			for _, c := range cookies {
				if c.Name == "auth_token" && c.Value != "" {
					return cookies, nil
				}
			}
		}
	}
}

func getAllCookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	return cookies, err
}

// earliestAuthExpiry finds the earliest expiration among auth cookies.
func earliestAuthExpiry(cookies []*network.Cookie) time.Time {
	var earliest time.Time
	for _, c := range cookies {
		if c.Name != "auth_token" && c.Name != "ct0" {
			continue
		}
		exp := time.Unix(int64(c.Expires), 0)
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}

// parseMetric converts display strings like "1.2K" or "3,401" to counts.
func parseMetric(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1_000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	var whole, frac int64
	var fracDigits int
	seenDot := false
	for _, r := range s {
		switch {
		case r == '.':
			seenDot = true
		case r >= '0' && r <= '9':
			if seenDot {
				frac = frac*10 + int64(r-'0')
				fracDigits++
			} else {
				whole = whole*10 + int64(r-'0')
			}
		default:
			return 0
		}
	}
	result := whole * mult
	if fracDigits > 0 {
		scale := int64(1)
		for i := 0; i < fracDigits; i++ {
			scale *= 10
		}
		result += frac * mult / scale
	}
	return result
}
