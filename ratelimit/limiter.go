package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/goliatone/go-syncpipe/core"
)

// Limiter enforces per-target outbound budgets. The token bucket backend is
// process local; the window backend coordinates through a StateStore.
type Limiter struct {
	Config core.RateLimitConfig
	Store  StateStore
	Logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	penalties map[string]time.Time
}

func NewLimiter(cfg core.RateLimitConfig, store StateStore) (*Limiter, error) {
	if cfg.Backend == "" {
		cfg.Backend = core.RateLimitBackendTokenBucket
	}
	switch cfg.Backend {
	case core.RateLimitBackendTokenBucket:
	case core.RateLimitBackendWindow:
		if store == nil {
			return nil, fmt.Errorf("ratelimit: state store is required for the window backend")
		}
	default:
		return nil, fmt.Errorf("ratelimit: unsupported backend %q", cfg.Backend)
	}
	return &Limiter{
		Config:    cfg,
		Store:     store,
		Now:       func() time.Time { return time.Now().UTC() },
		Sleep:     core.WaitWithContext,
		buckets:   map[string]*rate.Limiter{},
		penalties: map[string]time.Time{},
	}, nil
}

func (l *Limiter) Acquire(ctx context.Context, target string) (core.RateDecision, error) {
	if l == nil {
		return core.RateDecision{Granted: true}, nil
	}
	target = NormalizeTarget(target)
	if target == "" {
		return core.RateDecision{}, fmt.Errorf("ratelimit: target is required")
	}
	now := l.now()
	if l.Config.Backend == core.RateLimitBackendWindow {
		return l.acquireWindow(ctx, target, now)
	}
	return l.acquireBucket(target, now)
}

// Wait blocks until a call is granted or the configured max wait would be
// exceeded, in which case a ThrottledError is returned.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	if l == nil {
		return nil
	}
	var waited time.Duration
	for {
		decision, err := l.Acquire(ctx, target)
		if err != nil {
			return err
		}
		if decision.Granted {
			return nil
		}
		if maxWait := l.Config.MaxWait; maxWait >= 0 && waited+decision.Wait > maxWait {
			return ThrottledError{Target: NormalizeTarget(target), RetryAfter: decision.Wait}
		}
		if err := l.sleep(ctx, decision.Wait); err != nil {
			return err
		}
		waited += decision.Wait
	}
}

// Penalize blocks the target until now+retryAfter, typically after the
// remote answered with a Retry-After hint.
func (l *Limiter) Penalize(ctx context.Context, target string, retryAfter time.Duration) error {
	if l == nil || retryAfter <= 0 {
		return nil
	}
	target = NormalizeTarget(target)
	now := l.now()
	until := now.Add(retryAfter)

	if l.Logger != nil {
		l.Logger.Warn("ratelimit: target penalized", "target", target, "retry_after_ms", retryAfter.Milliseconds())
	}
	if l.Config.Backend == core.RateLimitBackendWindow {
		return l.Store.Throttle(ctx, target, until, now)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.penalties[target]; !ok || current.Before(until) {
		l.penalties[target] = until
	}
	return nil
}

// State exposes the durable window state for a target when available.
func (l *Limiter) State(ctx context.Context, target string) (core.RateLimiterState, error) {
	if l == nil || l.Store == nil {
		return core.RateLimiterState{}, ErrStateNotFound
	}
	return l.Store.Get(ctx, NormalizeTarget(target))
}

func (l *Limiter) acquireBucket(target string, now time.Time) (core.RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.penalties[target]; ok {
		if now.Before(until) {
			return core.RateDecision{Wait: until.Sub(now)}, nil
		}
		delete(l.penalties, target)
	}

	bucket := l.bucketLocked(target)
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return core.RateDecision{}, ThrottledError{Target: target}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return core.RateDecision{Wait: delay}, nil
	}
	return core.RateDecision{Granted: true}, nil
}

func (l *Limiter) bucketLocked(target string) *rate.Limiter {
	if l.buckets == nil {
		l.buckets = map[string]*rate.Limiter{}
	}
	if bucket, ok := l.buckets[target]; ok {
		return bucket
	}
	limit := l.Config.RateLimitFor(target)
	bucket := rate.NewLimiter(bucketRate(limit), bucketBurst(limit))
	l.buckets[target] = bucket
	return bucket
}

func (l *Limiter) acquireWindow(ctx context.Context, target string, now time.Time) (core.RateDecision, error) {
	limit := l.Config.RateLimitFor(target)
	if limit.Limit <= 0 {
		return core.RateDecision{Granted: true}, nil
	}
	state, admitted, err := l.Store.Admit(ctx, target, limit.Limit, limit.Window, now)
	if err != nil {
		return core.RateDecision{}, err
	}
	if admitted {
		return core.RateDecision{Granted: true}, nil
	}
	wait := state.WindowStart.Add(state.Window).Sub(now)
	if state.ThrottledUntil != nil {
		if throttled := state.ThrottledUntil.Sub(now); throttled > wait {
			wait = throttled
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return core.RateDecision{Wait: wait}, nil
}

func bucketRate(limit core.RateLimitTarget) rate.Limit {
	if limit.Limit <= 0 {
		return rate.Inf
	}
	window := limit.Window
	if window <= 0 {
		window = time.Second
	}
	return rate.Limit(float64(limit.Limit) / window.Seconds())
}

func bucketBurst(limit core.RateLimitTarget) int {
	if limit.Burst > 0 {
		return limit.Burst
	}
	if limit.Limit > 0 {
		return limit.Limit
	}
	return 1
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Limiter) sleep(ctx context.Context, delay time.Duration) error {
	sleep := l.Sleep
	if sleep == nil {
		sleep = core.WaitWithContext
	}
	return sleep(ctx, delay)
}

// IsThrottled reports whether err is a local or remote throttle rejection.
func IsThrottled(err error) bool {
	var throttled ThrottledError
	return errors.As(err, &throttled)
}

var _ core.RateLimiter = (*Limiter)(nil)
