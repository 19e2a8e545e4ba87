package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/ratelimit"
)

const rateLimitStateCacheKeyPrefix = "go-syncpipe::ratelimit_state::v1"

// CachedRateLimitStateStore serves state reads from a cache. Admit and
// Throttle always hit the base store and drop the cached entry.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey returns go-syncpipe::ratelimit_state::v1::<target>
// with the normalized target URL-path escaped.
func RateLimitStateCacheKey(target string) (string, error) {
	normalized := ratelimit.NormalizeTarget(target)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: rate-limit target is required")
	}
	return strings.Join([]string{rateLimitStateCacheKeyPrefix, url.PathEscape(normalized)}, "::"), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, target string) (core.RateLimiterState, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.RateLimiterState{}, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	cacheKey, err := RateLimitStateCacheKey(target)
	if err != nil {
		return core.RateLimiterState{}, err
	}
	normalized := ratelimit.NormalizeTarget(target)
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.RateLimiterState, error) {
		fetched, fetchErr := s.base.Get(ctx, normalized)
		if fetchErr != nil {
			return core.RateLimiterState{}, fetchErr
		}
		return cloneRateLimitState(fetched), nil
	})
	if err != nil {
		return core.RateLimiterState{}, err
	}
	return cloneRateLimitState(state), nil
}

func (s *CachedRateLimitStateStore) Admit(ctx context.Context, target string, capacity int, window time.Duration, now time.Time) (core.RateLimiterState, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.RateLimiterState{}, false, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	state, admitted, err := s.base.Admit(ctx, target, capacity, window, now)
	if err != nil {
		return core.RateLimiterState{}, false, err
	}
	if err := s.invalidate(ctx, target); err != nil {
		return core.RateLimiterState{}, false, err
	}
	return state, admitted, nil
}

func (s *CachedRateLimitStateStore) Throttle(ctx context.Context, target string, until time.Time, now time.Time) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	if err := s.base.Throttle(ctx, target, until, now); err != nil {
		return err
	}
	return s.invalidate(ctx, target)
}

func (s *CachedRateLimitStateStore) invalidate(ctx context.Context, target string) error {
	cacheKey, err := RateLimitStateCacheKey(target)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneRateLimitState(state core.RateLimiterState) core.RateLimiterState {
	cloned := state
	cloned.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
	return cloned
}

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
