package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-syncpipe/core"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(_ context.Context, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delay)
	return nil
}

func newTestLimiter(t *testing.T, cfg core.RateLimitConfig, store StateStore) (*Limiter, *manualClock) {
	t.Helper()
	limiter, err := NewLimiter(cfg, store)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	clock := &manualClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	limiter.Now = clock.Now
	limiter.Sleep = clock.Sleep
	return limiter, clock
}

func TestLimiter_TokenBucketGrantsBurstThenWaits(t *testing.T) {
	limiter, clock := newTestLimiter(t, core.RateLimitConfig{
		Backend: core.RateLimitBackendTokenBucket,
		Default: core.RateLimitTarget{Limit: 2, Window: time.Second, Burst: 2},
		MaxWait: time.Second,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Acquire(ctx, "remote")
		if err != nil || !decision.Granted {
			t.Fatalf("expected grant %d, got %#v, %v", i, decision, err)
		}
	}
	decision, err := limiter.Acquire(ctx, "remote")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if decision.Granted || decision.Wait != 500*time.Millisecond {
		t.Fatalf("expected 500ms wait, got %#v", decision)
	}

	if err := limiter.Wait(ctx, "remote"); err != nil {
		t.Fatalf("expected wait to succeed, got %v", err)
	}
	if got := clock.Now(); !got.After(time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected clock to advance while waiting")
	}
}

func TestLimiter_WaitBeyondMaxWaitIsThrottled(t *testing.T) {
	limiter, _ := newTestLimiter(t, core.RateLimitConfig{
		Default: core.RateLimitTarget{Limit: 1, Window: time.Minute, Burst: 1},
		MaxWait: time.Second,
	}, nil)
	ctx := context.Background()

	if err := limiter.Wait(ctx, "remote"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	err := limiter.Wait(ctx, "remote")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if throttled.RetryAfter <= time.Second {
		t.Fatalf("expected retry after beyond max wait, got %s", throttled.RetryAfter)
	}
	if core.CountsAsBreakerFailure(err) {
		t.Fatalf("throttling must not count as breaker failure")
	}
	if core.ClassifyError(err) != core.ErrorClassTransient {
		t.Fatalf("throttling must be transient")
	}
}

func TestLimiter_TargetsAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, core.RateLimitConfig{
		Default: core.RateLimitTarget{Limit: 1, Window: time.Minute, Burst: 1},
		Targets: map[string]core.RateLimitTarget{"erp": {Limit: 5, Window: time.Second, Burst: 5}},
	}, nil)
	ctx := context.Background()

	if decision, _ := limiter.Acquire(ctx, "remote"); !decision.Granted {
		t.Fatalf("expected grant for remote")
	}
	for i := 0; i < 5; i++ {
		if decision, _ := limiter.Acquire(ctx, "ERP"); !decision.Granted {
			t.Fatalf("expected grant %d for erp override", i)
		}
	}
}

func TestLimiter_PenalizeBlocksTarget(t *testing.T) {
	limiter, clock := newTestLimiter(t, core.RateLimitConfig{
		Default: core.RateLimitTarget{Limit: 100, Window: time.Second},
		MaxWait: time.Minute,
	}, nil)
	ctx := context.Background()

	if err := limiter.Penalize(ctx, "remote", 3*time.Second); err != nil {
		t.Fatalf("penalize: %v", err)
	}
	decision, _ := limiter.Acquire(ctx, "remote")
	if decision.Granted || decision.Wait != 3*time.Second {
		t.Fatalf("expected 3s penalty wait, got %#v", decision)
	}
	clock.Sleep(ctx, 3*time.Second)
	if decision, _ := limiter.Acquire(ctx, "remote"); !decision.Granted {
		t.Fatalf("expected grant after penalty, got %#v", decision)
	}
}

func TestLimiter_WindowBackendCountsInStore(t *testing.T) {
	store := NewMemoryStateStore()
	limiter, clock := newTestLimiter(t, core.RateLimitConfig{
		Backend: core.RateLimitBackendWindow,
		Default: core.RateLimitTarget{Limit: 3, Window: time.Minute},
		MaxWait: 0,
	}, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if decision, err := limiter.Acquire(ctx, "remote"); err != nil || !decision.Granted {
			t.Fatalf("expected grant %d, got %#v, %v", i, decision, err)
		}
	}
	decision, err := limiter.Acquire(ctx, "remote")
	if err != nil || decision.Granted {
		t.Fatalf("expected window to be full, got %#v, %v", decision, err)
	}
	if decision.Wait != time.Minute {
		t.Fatalf("expected wait until window end, got %s", decision.Wait)
	}
	state, err := limiter.State(ctx, "remote")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.CurrentCount != 3 || state.Capacity != 3 {
		t.Fatalf("unexpected state %#v", state)
	}

	clock.Sleep(ctx, time.Minute)
	if decision, _ := limiter.Acquire(ctx, "remote"); !decision.Granted {
		t.Fatalf("expected new window to grant")
	}
}

func TestLimiter_WindowBackendRequiresStore(t *testing.T) {
	if _, err := NewLimiter(core.RateLimitConfig{Backend: core.RateLimitBackendWindow}, nil); err == nil {
		t.Fatalf("expected store requirement")
	}
	if _, err := NewLimiter(core.RateLimitConfig{Backend: "leaky"}, nil); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestMemoryStateStore_ConcurrentAdmitNeverExceedsCapacity(t *testing.T) {
	store := NewMemoryStateStore()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Admit(context.Background(), "remote", 10, time.Minute, now)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
}

func TestThrottledError_ToServiceError(t *testing.T) {
	mapped := core.MapError(ThrottledError{Target: "remote", RetryAfter: 2 * time.Second})
	if mapped.Category != goerrors.CategoryRateLimit || mapped.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected mapping %#v", mapped)
	}
	if mapped.TextCode != core.SyncErrorRateLimited {
		t.Fatalf("unexpected text code %q", mapped.TextCode)
	}
}

func TestRetryAfterFromHeaders(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	headers := http.Header{}
	headers.Set("Retry-After", "4")
	if got, ok := RetryAfterFromHeaders(headers, now); !ok || got != 4*time.Second {
		t.Fatalf("expected 4s, got %s", got)
	}
	headers.Set("Retry-After", now.Add(10*time.Second).Format(http.TimeFormat))
	if got, ok := RetryAfterFromHeaders(headers, now); !ok || got != 10*time.Second {
		t.Fatalf("expected 10s from http date, got %s", got)
	}
	headers.Set("Retry-After", "soon")
	if _, ok := RetryAfterFromHeaders(headers, now); ok {
		t.Fatalf("expected invalid header to be ignored")
	}
}
