// Package account defines platform-account statuses and the rules for
// moving between them. Every mutation path (auth success, session-check
// failure, operator update) must validate the transition before writing.
package account

import "github.com/driftline/driftline/internal/faults"

// Status is the lifecycle state of a platform account.
type Status string

const (
	StatusNeedsInitialAuth Status = "needs_initial_auth"
	StatusActive           Status = "active"
	StatusNeedsReauth      Status = "needs_reauth"
	StatusDisabled         Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNeedsInitialAuth, StatusActive, StatusNeedsReauth, StatusDisabled:
		return true
	}
	return false
}

// transitions maps each status to the statuses it may move to.
// Disabled is the universal re-entry point.
var transitions = map[Status][]Status{
	StatusNeedsInitialAuth: {StatusActive, StatusDisabled},
	StatusActive:           {StatusNeedsReauth, StatusDisabled},
	StatusNeedsReauth:      {StatusActive, StatusDisabled},
	StatusDisabled:         {StatusNeedsInitialAuth, StatusActive, StatusNeedsReauth, StatusDisabled},
}

// ValidateTransition fails with an INVALID_TRANSITION fault when the
// (from, to) pair is not in the transition table.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return faults.Newf(faults.KindConfig, faults.CodeInvalidTransition, "unknown account status %q", from)
	}
	if !to.Valid() {
		return faults.Newf(faults.KindConfig, faults.CodeInvalidTransition, "unknown account status %q", to)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return faults.Newf(faults.KindConfig, faults.CodeInvalidTransition, "account status cannot change %s -> %s", from, to)
}
