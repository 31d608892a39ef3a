package promptgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState describes the circuit breaker state machine.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates outbound provider calls. State is process-local and
// safe for concurrent use; transitions happen under a mutex.
//
// Closed→Open after failureThreshold consecutive failures; Open→HalfOpen
// once the recovery timeout elapses, admitting exactly one probe; a
// successful probe closes the circuit, a failed one re-opens it.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool

	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool

	now func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureClassifier overrides which errors count as breaker failures.
func WithFailureClassifier(fn func(error) bool) BreakerOption {
	return func(b *CircuitBreaker) { b.isFailure = fn }
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout(),
		state:            BreakerClosed,
		now:              time.Now,
		isFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op under breaker protection. When the circuit is Open and
// the recovery timeout has not elapsed, it returns ErrBreakerOpen without
// invoking op.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(err)
	return err
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			return &GuardError{
				Kind:       KindUpstreamUnavailable,
				Stage:      "breaker",
				Err:        ErrBreakerOpen,
				RetryAfter: int(b.recoveryTimeout.Seconds()),
			}
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil

	case BreakerHalfOpen:
		// Only one probe may be in flight.
		if b.probing {
			return &GuardError{
				Kind:       KindUpstreamUnavailable,
				Stage:      "breaker",
				Err:        ErrBreakerOpen,
				RetryAfter: int(b.recoveryTimeout.Seconds()),
			}
		}
		b.probing = true
		return nil

	default:
		return nil
	}
}

func (b *CircuitBreaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isFailure(err) {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
			b.probing = false
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.probing = false
		return
	}
	if b.failures >= b.failureThreshold {
		b.state = BreakerOpen
	}
}
