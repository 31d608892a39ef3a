package promptgate

import (
	"context"
	"log/slog"
	"time"
)

// Rate-limit scopes, checked in this order. The first denial wins.
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
	ScopeUser   = "user"
)

// SlidingWindowLimiter is a store-backed sliding window rate limiter.
// A store failure is treated as an allow: admission control must never
// itself become an outage vector.
type SlidingWindowLimiter struct {
	store  Store
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

// LimiterOption configures a SlidingWindowLimiter.
type LimiterOption func(*SlidingWindowLimiter)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(l *slog.Logger) LimiterOption {
	return func(s *SlidingWindowLimiter) { s.logger = l }
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(s *SlidingWindowLimiter) { s.now = now }
}

// NewSlidingWindowLimiter creates a limiter over the shared store.
func NewSlidingWindowLimiter(store Store, cfg RateLimitConfig, opts ...LimiterOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check applies the sliding-window algorithm for a single key. It returns
// whether the request is allowed and, on denial, the number of seconds
// after which a retry may succeed.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (bool, int) {
	now := l.now()

	count, oldest, err := l.store.CheckWindow(ctx, key, limit, window, now)
	if err != nil {
		l.logger.Error("rate limiter store error, failing open", "key", key, "error", err)
		return true, 0
	}

	if count >= limit {
		retryAfter := int(window.Seconds())
		if !oldest.IsZero() {
			retryAfter = int(oldest.Add(window).Sub(now).Seconds()) + 1
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.logger.Warn("rate limit exceeded",
			"key", key, "count", count, "limit", limit, "window_s", int(window.Seconds()))
		return false, retryAfter
	}

	return true, 0
}

// Allow runs the scope chain for one request: global, then per-IP, then
// per-user when a user identifier is present. The first denial
// short-circuits the remaining checks. Returns the denied scope and the
// retry delay in seconds; scope is "" when admitted.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, ip, userID string) (allowed bool, scope string, retryAfter int) {
	if !l.cfg.Enabled {
		return true, "", 0
	}

	if ok, ra := l.Check(ctx, "ratelimit:global", l.cfg.GlobalPerHour, time.Hour); !ok {
		return false, ScopeGlobal, ra
	}
	if ok, ra := l.Check(ctx, "ratelimit:ip:"+ip, l.cfg.PerIPPerMinute, time.Minute); !ok {
		return false, ScopeIP, ra
	}
	if userID != "" {
		if ok, ra := l.Check(ctx, "ratelimit:user:"+userID, l.cfg.PerUserPerMinute, time.Minute); !ok {
			return false, ScopeUser, ra
		}
	}
	return true, "", 0
}
