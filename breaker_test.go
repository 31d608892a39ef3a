package promptgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pg "github.com/ineyio/promptgate"
)

var errUpstream = errors.New("upstream boom")

func failOp(context.Context) error { return errUpstream }
func okOp(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := pg.NewCircuitBreaker(pg.BreakerConfig{FailureThreshold: 3, RecoveryTimeoutSeconds: 60})

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failOp)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, pg.BreakerOpen, b.State())

	err := b.Execute(context.Background(), okOp)
	assert.ErrorIs(t, err, pg.ErrBreakerOpen)
	assert.Equal(t, pg.KindUpstreamUnavailable, pg.KindOf(err))
	assert.Equal(t, 60, pg.RetryAfterOf(err))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := pg.NewCircuitBreaker(pg.BreakerConfig{FailureThreshold: 3, RecoveryTimeoutSeconds: 60})

	require.Error(t, b.Execute(context.Background(), failOp))
	require.Error(t, b.Execute(context.Background(), failOp))
	require.NoError(t, b.Execute(context.Background(), okOp))
	require.Error(t, b.Execute(context.Background(), failOp))
	require.Error(t, b.Execute(context.Background(), failOp))

	assert.Equal(t, pg.BreakerClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := pg.NewCircuitBreaker(
		pg.BreakerConfig{FailureThreshold: 1, RecoveryTimeoutSeconds: 30},
		pg.WithBreakerClock(clock),
	)

	require.Error(t, b.Execute(context.Background(), failOp))
	require.Equal(t, pg.BreakerOpen, b.State())

	// Still inside the recovery timeout.
	err := b.Execute(context.Background(), okOp)
	require.ErrorIs(t, err, pg.ErrBreakerOpen)

	now = now.Add(31 * time.Second)

	// First probe succeeds, breaker closes.
	require.NoError(t, b.Execute(context.Background(), okOp))
	assert.Equal(t, pg.BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := pg.NewCircuitBreaker(
		pg.BreakerConfig{FailureThreshold: 1, RecoveryTimeoutSeconds: 30},
		pg.WithBreakerClock(clock),
	)

	require.Error(t, b.Execute(context.Background(), failOp))
	now = now.Add(31 * time.Second)

	require.ErrorIs(t, b.Execute(context.Background(), failOp), errUpstream)
	assert.Equal(t, pg.BreakerOpen, b.State())

	// The failed probe restarts the recovery timeout.
	err := b.Execute(context.Background(), okOp)
	assert.ErrorIs(t, err, pg.ErrBreakerOpen)
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := pg.NewCircuitBreaker(
		pg.BreakerConfig{FailureThreshold: 1, RecoveryTimeoutSeconds: 30},
		pg.WithBreakerClock(clock),
	)

	require.Error(t, b.Execute(context.Background(), failOp))
	require.Equal(t, pg.BreakerOpen, b.State())

	now = now.Add(31 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	require.Equal(t, pg.BreakerHalfOpen, b.State())

	// A second caller is rejected while the probe is in flight.
	err := b.Execute(context.Background(), okOp)
	assert.ErrorIs(t, err, pg.ErrBreakerOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, pg.BreakerClosed, b.State())
}

func TestBreaker_CanceledContextNotCountedAsFailure(t *testing.T) {
	b := pg.NewCircuitBreaker(pg.BreakerConfig{FailureThreshold: 1, RecoveryTimeoutSeconds: 60})

	err := b.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, pg.BreakerClosed, b.State())
}

func TestBreaker_CustomFailureClassifier(t *testing.T) {
	b := pg.NewCircuitBreaker(
		pg.BreakerConfig{FailureThreshold: 1, RecoveryTimeoutSeconds: 60},
		pg.WithFailureClassifier(func(err error) bool {
			return errors.Is(err, pg.ErrUpstreamTimeout)
		}),
	)

	require.ErrorIs(t, b.Execute(context.Background(), failOp), errUpstream)
	assert.Equal(t, pg.BreakerClosed, b.State(), "unclassified errors should not trip the breaker")

	require.Error(t, b.Execute(context.Background(), func(context.Context) error {
		return pg.ErrUpstreamTimeout
	}))
	assert.Equal(t, pg.BreakerOpen, b.State())
}
