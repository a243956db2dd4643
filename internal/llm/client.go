// Package llm wraps the language-model provider behind a small client
// interface. Transient failures (timeouts, transport errors) are
// retried with bounded exponential backoff; malformed output (bad JSON,
// schema violations) is not, since re-asking the same question tends to
// reproduce the same malformed answer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Error codes for LLM failures.
const (
	CodeTimeout       = "LLM_TIMEOUT"
	CodeTransport     = "LLM_TRANSPORT"
	CodeEmptyResponse = "LLM_EMPTY_RESPONSE"
	CodeBadJSON       = "LLM_BAD_JSON"
	CodeBadSchema     = "LLM_SCHEMA_VALIDATION"
)

// Error is a typed LLM failure.
type Error struct {
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

// Transient reports whether retrying could plausibly succeed.
func (e *Error) Transient() bool {
	return e.Code == CodeTimeout || e.Code == CodeTransport || e.Code == CodeEmptyResponse
}

// IsTransient reports whether err is a retryable LLM failure.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Transient()
}

// Request is one structured completion call.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// Prefill seeds the assistant turn so the model continues with
	// valid JSON. The returned text includes the prefill.
	Prefill string
}

// Client produces completions. Implementations return *Error for all
// failures so callers can classify them.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// RetryPolicy bounds the retry loop around transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts,
// 1s base, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Retrying wraps a Client with the retry policy.
type Retrying struct {
	Inner  Client
	Policy RetryPolicy

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewRetrying wraps inner with policy.
func NewRetrying(inner Client, policy RetryPolicy) *Retrying {
	return &Retrying{Inner: inner, Policy: policy, sleep: time.Sleep}
}

// Complete retries transient failures with exponential backoff and
// jitter. Non-transient failures propagate immediately.
func (r *Retrying) Complete(ctx context.Context, req Request) (string, error) {
	attempts := r.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	delay := r.Policy.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := r.Inner.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			break
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		if jittered > r.Policy.MaxDelay {
			jittered = r.Policy.MaxDelay
		}
		sleep(jittered)
		delay *= 2
		if delay > r.Policy.MaxDelay {
			delay = r.Policy.MaxDelay
		}
	}
	return "", lastErr
}
