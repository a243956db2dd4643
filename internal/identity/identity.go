// Package identity derives stable fingerprints for collected content.
// The same visible post must hash identically across repeated scrapes,
// regardless of whitespace noise, casing, zero-width characters, or
// tracking-parameter churn in media URLs.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// trackingParams are query parameters that change between page loads
// without changing the media they point at.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"igshid":       true,
	"ref_src":      true,
	"ref_url":      true,
	"s":            true,
	"t":            true,
}

// Normalize canonicalizes post text: NFKC, lowercase, zero-width
// characters stripped, runs of whitespace collapsed to single spaces.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ToLower(text)

	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range text {
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

// MediaFingerprint canonicalizes a set of media URLs: tracking
// parameters stripped, lexicographically sorted, newline-joined.
// Returns "" for an empty set.
func MediaFingerprint(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		cleaned = append(cleaned, stripTracking(raw))
	}
	sort.Strings(cleaned)
	return strings.Join(cleaned, "\n")
}

func stripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ContentHash returns the hex SHA-256 fingerprint of normalized text
// plus the media fingerprint when media is present.
func ContentHash(text string, mediaURLs []string) string {
	payload := Normalize(text)
	if fp := MediaFingerprint(mediaURLs); fp != "" {
		payload += "|" + fp
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
