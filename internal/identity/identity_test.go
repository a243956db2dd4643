package identity

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whitespace collapse", " Hello  world ", "hello world"},
		{"tabs and newlines", "a\t\nb", "a b"},
		{"zero width", "he​llo", "hello"},
		{"zero width joiner", "a‍ b", "a b"},
		{"word joiner", "wo\u2060rd", "word"},
		{"byte order mark", "\ufeffhello", "hello"},
		{"nfkc fullwidth", "Ｈello", "hello"},
		{"empty", "", ""},
		{"only whitespace", "   \n\t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestContentHashStability(t *testing.T) {
	if ContentHash(" Hello  world ", nil) != ContentHash("hello world", nil) {
		t.Error("hash should ignore whitespace and case noise")
	}
	if ContentHash("hello", nil) == ContentHash("goodbye", nil) {
		t.Error("different text should hash differently")
	}
}

func TestContentHashMedia(t *testing.T) {
	// Tracking parameters must not affect the hash.
	a := ContentHash("post", []string{"https://cdn.example.com/img.jpg?utm_source=x"})
	b := ContentHash("post", []string{"https://cdn.example.com/img.jpg"})
	if a != b {
		t.Error("tracking parameters should be stripped before hashing")
	}

	// A genuinely different media set must change the hash.
	c := ContentHash("post", []string{"https://cdn.example.com/other.jpg"})
	if a == c {
		t.Error("different media should hash differently")
	}

	// Media order must not matter.
	d := ContentHash("post", []string{"https://a.example.com/1.jpg", "https://b.example.com/2.jpg"})
	e := ContentHash("post", []string{"https://b.example.com/2.jpg", "https://a.example.com/1.jpg"})
	if d != e {
		t.Error("media URL order should not affect the hash")
	}

	// Text-only and text+media must differ.
	if ContentHash("post", nil) == a {
		t.Error("media presence should affect the hash")
	}
}

func TestMediaFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		urls     []string
		expected string
	}{
		{"empty", nil, ""},
		{"strips utm", []string{"https://x.test/a.jpg?utm_source=tw&w=640"}, "https://x.test/a.jpg?w=640"},
		{"sorts", []string{"https://x.test/b.jpg", "https://x.test/a.jpg"}, "https://x.test/a.jpg\nhttps://x.test/b.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MediaFingerprint(tt.urls); got != tt.expected {
				t.Errorf("MediaFingerprint(%v) = %q, want %q", tt.urls, got, tt.expected)
			}
		})
	}
}

func TestContentHashIsHex(t *testing.T) {
	h := ContentHash("anything", nil)
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if strings.ToLower(h) != h {
		t.Error("hash should be lowercase hex")
	}
}
