package xadapter

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"1,234", 1234},
		{"1.2K", 1200},
		{"1.2k", 1200},
		{"15K", 15000},
		{"3.4M", 3400000},
		{"  7  ", 7},
		{"N/A", 0},
	}
	for _, tt := range tests {
		if got := parseMetric(tt.in); got != tt.want {
			t.Errorf("parseMetric(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPlatformIDFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://x.com/alice/status/1234567890", "1234567890"},
		{"https://x.com/alice/status/1234567890/photo/1", "1234567890"},
		{"https://x.com/alice/status/1234567890?s=20", "1234567890"},
		{"https://x.com/alice", ""},
		{"", ""},
		{"https://x.com/alice/status/", ""},
	}
	for _, tt := range tests {
		if got := platformIDFromURL(tt.in); got != tt.want {
			t.Errorf("platformIDFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEarliestAuthExpiry(t *testing.T) {
	// Expiry is driven by the auth cookies only; unrelated cookies with
	// earlier expiries must not shorten the session.
	far := float64(time.Now().AddDate(1, 0, 0).Unix())
	near := float64(time.Now().Add(time.Hour).Unix())

	cookies := []*network.Cookie{
		{Name: "random_tracker", Expires: near},
		{Name: "auth_token", Expires: far},
	}
	got := earliestAuthExpiry(cookies)
	if got.IsZero() {
		t.Fatal("expected an expiry from the auth cookie")
	}
	if time.Until(got) < 24*time.Hour {
		t.Errorf("expiry tracked a non-auth cookie: %v", got)
	}

	if got := earliestAuthExpiry([]*network.Cookie{{Name: "whatever", Expires: near}}); !got.IsZero() {
		t.Errorf("expected zero time with no auth cookies, got %v", got)
	}
}

func TestPickDelayWithinWindow(t *testing.T) {
	min, max := 100*time.Millisecond, 300*time.Millisecond
	for i := 0; i < 200; i++ {
		if d := pickDelay(min, max); d < min || d > max {
			t.Fatalf("pickDelay = %v, want within [%v, %v]", d, min, max)
		}
	}
	if d := pickDelay(0, 0); d != 500*time.Millisecond {
		t.Errorf("zero window should fall back to the default, got %v", d)
	}
	if d := pickDelay(time.Second, time.Millisecond); d != time.Second {
		t.Errorf("inverted window should clamp to min, got %v", d)
	}
}

func TestNewAdapterDelayDefaults(t *testing.T) {
	a := New(true, zap.NewNop().Sugar())
	if a.ActionDelayMin != 500*time.Millisecond || a.ActionDelayMax != 2*time.Second {
		t.Errorf("defaults = [%v, %v], want [500ms, 2s]", a.ActionDelayMin, a.ActionDelayMax)
	}
}
