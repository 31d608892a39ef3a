package promptgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidRequest marks boundary validation failures.
	ErrInvalidRequest = errors.New("promptgate: invalid request")

	// ErrRateLimitExceeded marks an admission denial from the limiter.
	ErrRateLimitExceeded = errors.New("promptgate: rate limit exceeded")

	// ErrInjectionDetected marks a blocked prompt injection attempt.
	ErrInjectionDetected = errors.New("promptgate: prompt injection detected")

	// ErrContentFlagged marks a moderation rejection of user input.
	ErrContentFlagged = errors.New("promptgate: content violates usage policies")

	// ErrBreakerOpen is returned without invoking the provider while the
	// circuit is open.
	ErrBreakerOpen = errors.New("promptgate: circuit breaker is open")

	// Upstream error classes, used for retry and breaker decisions.
	ErrUpstreamRateLimited = errors.New("promptgate: rate limited by provider")
	ErrUpstreamTimeout     = errors.New("promptgate: provider timeout")
	ErrUpstreamConnection  = errors.New("promptgate: provider connection error")
	ErrAuthFailed          = errors.New("promptgate: provider authentication failed")

	// ErrNotFound is returned by stores for missing keys.
	ErrNotFound = errors.New("promptgate: not found")
)

// Kind classifies a pipeline outcome for callers that need to branch
// (HTTP status mapping, retry hints) without unwrapping chains themselves.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindAdmissionDenied
	KindPolicyViolation
	KindUpstreamUnavailable
	KindUpstreamError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAdmissionDenied:
		return "admission_denied"
	case KindPolicyViolation:
		return "policy_violation"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamError:
		return "upstream_error"
	default:
		return "internal_error"
	}
}

// GuardError wraps a stage failure with its classification and, for
// retryable denials, the suggested retry delay.
type GuardError struct {
	Kind       Kind
	Stage      string
	Err        error
	RetryAfter int // seconds; only set for admission denials and open breakers
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("promptgate: stage=%s kind=%s: %v", e.Stage, e.Kind, e.Err)
}

func (e *GuardError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
// Unrecognized errors are internal.
func KindOf(err error) Kind {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrRateLimitExceeded):
		return KindAdmissionDenied
	case errors.Is(err, ErrInjectionDetected), errors.Is(err, ErrContentFlagged):
		return KindPolicyViolation
	case errors.Is(err, ErrBreakerOpen):
		return KindUpstreamUnavailable
	case IsRetryable(err):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrAuthFailed):
		return KindUpstreamError
	default:
		return KindInternal
	}
}

// IsRetryable reports whether a provider error belongs to the transient
// class that retry and breaker policies act on.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamConnection)
}

// RetryAfterOf returns the suggested retry delay in seconds, or 0.
func RetryAfterOf(err error) int {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
