package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultEntityLockTTL = 2 * time.Minute

// WaitWithContext sleeps for delay or until ctx is done.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type memoryLock struct {
	token uint64
	until time.Time
}

// MemoryEntityLocker is a process-local EntityLocker with TTL expiry.
type MemoryEntityLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	next  uint64
	nowFn func() time.Time
}

func NewMemoryEntityLocker() *MemoryEntityLocker {
	return &MemoryEntityLocker{
		locks: make(map[string]memoryLock),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryEntityLocker) Acquire(_ context.Context, key string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: entity locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultEntityLockTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.until) {
		return nil, fmt.Errorf("%w: %q", ErrLockHeld, key)
	}
	l.next++
	l.locks[key] = memoryLock{token: l.next, until: now.Add(ttl)}
	return &memoryLockHandle{locker: l, key: key, token: l.next}, nil
}

func (l *MemoryEntityLocker) now() time.Time {
	if l.nowFn != nil {
		return l.nowFn()
	}
	return time.Now().UTC()
}

type memoryLockHandle struct {
	locker *MemoryEntityLocker
	key    string
	token  uint64
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		defer h.locker.mu.Unlock()
		if held, ok := h.locker.locks[h.key]; ok && held.token == h.token {
			delete(h.locker.locks, h.key)
		}
	})
	return nil
}

var _ EntityLocker = (*MemoryEntityLocker)(nil)
