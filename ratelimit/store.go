package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// StateStore persists fixed-window counters per target.
type StateStore interface {
	Get(ctx context.Context, target string) (core.RateLimiterState, error)
	// Admit counts one call against the window containing now. It reports
	// false without counting when the window is full or the target is
	// throttled. Implementations keep current_count <= capacity under
	// concurrent callers.
	Admit(ctx context.Context, target string, capacity int, window time.Duration, now time.Time) (core.RateLimiterState, bool, error)
	Throttle(ctx context.Context, target string, until time.Time, now time.Time) error
}

type MemoryStateStore struct {
	mu    sync.Mutex
	items map[string]core.RateLimiterState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]core.RateLimiterState{}}
}

func (s *MemoryStateStore) Get(_ context.Context, target string) (core.RateLimiterState, error) {
	if s == nil {
		return core.RateLimiterState{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.items[NormalizeTarget(target)]
	if !ok {
		return core.RateLimiterState{}, ErrStateNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStateStore) Admit(_ context.Context, target string, capacity int, window time.Duration, now time.Time) (core.RateLimiterState, bool, error) {
	if s == nil {
		return core.RateLimiterState{}, false, fmt.Errorf("ratelimit: state store is nil")
	}
	target = NormalizeTarget(target)
	if target == "" {
		return core.RateLimiterState{}, false, fmt.Errorf("ratelimit: target is required")
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	state := AdvanceWindow(s.items[target], target, capacity, window, now)
	admitted := false
	if CanAdmit(state, now) {
		state.CurrentCount++
		admitted = true
	}
	state.UpdatedAt = now
	s.items[target] = state
	return cloneState(state), admitted, nil
}

func (s *MemoryStateStore) Throttle(_ context.Context, target string, until time.Time, now time.Time) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	target = NormalizeTarget(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.items[target]
	state.Target = target
	until = until.UTC()
	if state.ThrottledUntil == nil || state.ThrottledUntil.Before(until) {
		state.ThrottledUntil = &until
	}
	state.UpdatedAt = now.UTC()
	s.items[target] = state
	return nil
}

// AdvanceWindow rolls state into the window containing now, resetting the
// counter when the window changed or the target was reconfigured.
func AdvanceWindow(state core.RateLimiterState, target string, capacity int, window time.Duration, now time.Time) core.RateLimiterState {
	if window <= 0 {
		window = time.Second
	}
	start := now.Truncate(window)
	if state.Target == "" || state.Capacity != capacity || state.Window != window || !state.WindowStart.Equal(start) {
		state.CurrentCount = 0
		state.WindowStart = start
	}
	state.Target = target
	state.Capacity = capacity
	state.Window = window
	return state
}

// CanAdmit reports whether one more call fits in state at now.
func CanAdmit(state core.RateLimiterState, now time.Time) bool {
	if state.ThrottledUntil != nil && now.Before(*state.ThrottledUntil) {
		return false
	}
	return state.CurrentCount < state.Capacity
}

func NormalizeTarget(target string) string {
	return strings.TrimSpace(strings.ToLower(target))
}

func cloneState(state core.RateLimiterState) core.RateLimiterState {
	if state.ThrottledUntil != nil {
		until := *state.ThrottledUntil
		state.ThrottledUntil = &until
	}
	return state
}

var _ StateStore = (*MemoryStateStore)(nil)
