// Package redislock provides a distributed core.EntityLocker backed by
// Redis through redsync, for deployments running several worker processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-syncpipe/core"
)

const (
	DefaultKeyPrefix = "syncpipe:lock:"
	defaultLockTTL   = 2 * time.Minute
)

type Options struct {
	KeyPrefix string
	// DriftFactor is handed to redsync; zero keeps its default.
	DriftFactor float64
}

// Locker acquires entity locks with a single attempt. Contention surfaces as
// core.ErrLockHeld so the dispatcher can release the task without consuming
// an attempt.
type Locker struct {
	sync   *redsync.Redsync
	prefix string
	drift  float64
}

func New(client goredislib.UniversalClient, opts Options) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: redis client is required")
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Locker{
		sync:   redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		drift:  opts.DriftFactor,
	}, nil
}

// NewFromConfig dials the address in cfg.RedisAddr.
func NewFromConfig(cfg core.LocksConfig) (*Locker, goredislib.UniversalClient, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, nil, fmt.Errorf("redislock: redis address is required")
	}
	client := goredislib.NewClient(&goredislib.Options{Addr: addr})
	locker, err := New(client, Options{KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, client, nil
}

func (l *Locker) Key(key string) string {
	return l.prefix + strings.TrimSpace(key)
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.sync == nil {
		return nil, fmt.Errorf("redislock: locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("redislock: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	options := []redsync.Option{
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	}
	if l.drift > 0 {
		options = append(options, redsync.WithDriftFactor(l.drift))
	}
	mutex := l.sync.NewMutex(l.Key(key), options...)
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, fmt.Errorf("%w: %q", core.ErrLockHeld, key)
		}
		return nil, fmt.Errorf("redislock: acquire %q: %w", key, err)
	}
	return &handle{mutex: mutex}, nil
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}
	return strings.Contains(err.Error(), "lock already taken")
}

type handle struct {
	mutex *redsync.Mutex
}

// Unlock releases the lock if this handle still owns it. A lock that
// already expired, or was taken over after expiry, is not an error.
func (h *handle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return nil
	}
	if _, err := h.mutex.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || strings.Contains(err.Error(), "already expired") || isContention(err) {
			return nil
		}
		return fmt.Errorf("redislock: unlock %q: %w", h.mutex.Name(), err)
	}
	return nil
}

var _ core.EntityLocker = (*Locker)(nil)
