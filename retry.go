package promptgate

import (
	"context"
	"time"
)

// retryPolicy retries transient upstream failures with exponential
// backoff. Only errors classified retryable by IsRetryable are retried;
// everything else returns immediately.
type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
	sleep    func(context.Context, time.Duration) error
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts: 3,
		base:     time.Second,
		max:      10 * time.Second,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do runs op up to attempts times, returning the retry count alongside
// the final error.
func (p retryPolicy) do(ctx context.Context, op func(context.Context) error) (int, error) {
	delay := p.base
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			if serr := p.sleep(ctx, delay); serr != nil {
				return attempt - 1, serr
			}
			delay *= 2
			if delay > p.max {
				delay = p.max
			}
		}
		if err = op(ctx); err == nil {
			return attempt, nil
		}
		if !IsRetryable(err) {
			return attempt, err
		}
	}
	return p.attempts - 1, err
}
