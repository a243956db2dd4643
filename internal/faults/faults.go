// Package faults defines the error taxonomy shared by the scrape and
// pipeline layers. Errors carry a kind (broad category) and a stable
// machine-readable code that ends up on run-account and task rows.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the broad failure category.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindNavigation  Kind = "navigation"
	KindParse       Kind = "parse"
	KindPersistence Kind = "persistence"
	KindRateLimit   Kind = "rate_limit"
	KindConfig      Kind = "config"
	KindScraper     Kind = "scraper"
)

// Stable error codes persisted on run-account and task rows.
const (
	CodeSessionInvalid      = "SESSION_INVALID"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeSessionStateMissing = "SESSION_STATE_MISSING"
	CodeScrapeTimeout       = "ACCOUNT_SCRAPE_TIMEOUT"
	CodeLockContention      = "ACCOUNT_LOCK_CONTENTION"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeBlocked             = "BLOCK_OR_CHALLENGE"
	CodeNavigation          = "NAVIGATION_FAILED"
	CodeParse               = "PARSE_FAILED"
	CodePersistence         = "PERSISTENCE_FAILED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConfig              = "CONFIG_INVALID"
	CodeScraper             = "SCRAPER_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, err error, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the stable code from err, or "" if err carries none.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsSessionFailure reports whether err means the account needs reauth.
func IsSessionFailure(err error) bool {
	switch CodeOf(err) {
	case CodeSessionInvalid, CodeSessionExpired, CodeSessionStateMissing:
		return true
	}
	return false
}

// Detail returns a short human-readable detail string for persistence.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fmt.Sprintf("%s: %v", fe.Msg, fe.Err)
		}
		return fe.Msg
	}
	return err.Error()
}
