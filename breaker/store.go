package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-syncpipe/core"
)

var ErrStateNotFound = errors.New("breaker: state not found")

// StateStore persists breaker state per target. Writes are optimistic: a
// write succeeds only when the stored version still equals expectedVersion.
type StateStore interface {
	Get(ctx context.Context, target string) (core.BreakerState, error)
	CompareAndSwap(ctx context.Context, next core.BreakerState, expectedVersion int64) (bool, error)
}

type MemoryStateStore struct {
	mu    sync.Mutex
	items map[string]core.BreakerState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]core.BreakerState{}}
}

func (s *MemoryStateStore) Get(_ context.Context, target string) (core.BreakerState, error) {
	if s == nil {
		return core.BreakerState{}, fmt.Errorf("breaker: state store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.items[NormalizeTarget(target)]
	if !ok {
		return core.BreakerState{}, ErrStateNotFound
	}
	return CloneState(state), nil
}

func (s *MemoryStateStore) CompareAndSwap(_ context.Context, next core.BreakerState, expectedVersion int64) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("breaker: state store is nil")
	}
	next.Target = NormalizeTarget(next.Target)
	if next.Target == "" {
		return false, fmt.Errorf("breaker: target is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[next.Target]
	currentVersion := int64(0)
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	s.items[next.Target] = CloneState(next)
	return true, nil
}

func NormalizeTarget(target string) string {
	return strings.TrimSpace(strings.ToLower(target))
}

// CloneState copies the pointer fields of state.
func CloneState(state core.BreakerState) core.BreakerState {
	if state.OpenedAt != nil {
		openedAt := *state.OpenedAt
		state.OpenedAt = &openedAt
	}
	if state.ProbeStartedAt != nil {
		startedAt := *state.ProbeStartedAt
		state.ProbeStartedAt = &startedAt
	}
	return state
}

var _ StateStore = (*MemoryStateStore)(nil)
