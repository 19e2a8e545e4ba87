package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-syncpipe/breaker"
	"github.com/goliatone/go-syncpipe/core"
)

const breakerStateCacheKeyPrefix = "go-syncpipe::breaker_state::v1"

// CachedBreakerStateStore caches breaker reads. Every swap attempt drops the
// cached entry, including a lost one, so the next read sees the winner.
type CachedBreakerStateStore struct {
	base  breaker.StateStore
	cache repositorycache.CacheService
}

func NewCachedBreakerStateStore(base breaker.StateStore, cacheService repositorycache.CacheService) (*CachedBreakerStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base breaker state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: breaker cache service is required")
	}
	return &CachedBreakerStateStore{base: base, cache: cacheService}, nil
}

func BreakerStateCacheKey(target string) (string, error) {
	normalized := breaker.NormalizeTarget(target)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: breaker target is required")
	}
	return strings.Join([]string{breakerStateCacheKeyPrefix, url.PathEscape(normalized)}, "::"), nil
}

func (s *CachedBreakerStateStore) Get(ctx context.Context, target string) (core.BreakerState, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.BreakerState{}, fmt.Errorf("sqlstore: cached breaker state store is not configured")
	}
	cacheKey, err := BreakerStateCacheKey(target)
	if err != nil {
		return core.BreakerState{}, err
	}
	normalized := breaker.NormalizeTarget(target)
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.BreakerState, error) {
		fetched, fetchErr := s.base.Get(ctx, normalized)
		if fetchErr != nil {
			return core.BreakerState{}, fetchErr
		}
		return breaker.CloneState(fetched), nil
	})
	if err != nil {
		return core.BreakerState{}, err
	}
	return breaker.CloneState(state), nil
}

func (s *CachedBreakerStateStore) CompareAndSwap(ctx context.Context, next core.BreakerState, expectedVersion int64) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached breaker state store is not configured")
	}
	swapped, err := s.base.CompareAndSwap(ctx, next, expectedVersion)
	if err != nil {
		return false, err
	}
	cacheKey, keyErr := BreakerStateCacheKey(next.Target)
	if keyErr != nil {
		return false, keyErr
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return swapped, err
	}
	return swapped, nil
}

var _ breaker.StateStore = (*CachedBreakerStateStore)(nil)
