package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/ratelimit"
)

const maxStateWriteConflicts = 8

var errStateConflict = errors.New("sqlstore: state row changed concurrently")

// RateLimitStateStore persists fixed-window counters so every worker
// process shares one budget per target.
type RateLimitStateStore struct {
	db *bun.DB
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitStateStore{db: db}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, target string) (core.RateLimiterState, error) {
	if s == nil || s.db == nil {
		return core.RateLimiterState{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	record, err := findRateLimitStateTx(ctx, s.db, ratelimit.NormalizeTarget(target), false)
	if err != nil {
		return core.RateLimiterState{}, err
	}
	if record == nil {
		return core.RateLimiterState{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

// Admit counts one call with an optimistic version check, retrying when a
// concurrent writer got there first.
func (s *RateLimitStateStore) Admit(ctx context.Context, target string, capacity int, window time.Duration, now time.Time) (core.RateLimiterState, bool, error) {
	if s == nil || s.db == nil {
		return core.RateLimiterState{}, false, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	target = ratelimit.NormalizeTarget(target)
	if target == "" {
		return core.RateLimiterState{}, false, fmt.Errorf("sqlstore: rate-limit target is required")
	}
	now = now.UTC()

	var (
		state    core.RateLimiterState
		admitted bool
	)
	err := s.writeState(ctx, target, now, func(current core.RateLimiterState) core.RateLimiterState {
		next := ratelimit.AdvanceWindow(current, target, capacity, window, now)
		admitted = false
		if ratelimit.CanAdmit(next, now) {
			next.CurrentCount++
			admitted = true
		}
		next.UpdatedAt = now
		state = next
		return next
	})
	if err != nil {
		return core.RateLimiterState{}, false, err
	}
	return state, admitted, nil
}

func (s *RateLimitStateStore) Throttle(ctx context.Context, target string, until time.Time, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	target = ratelimit.NormalizeTarget(target)
	if target == "" {
		return fmt.Errorf("sqlstore: rate-limit target is required")
	}
	until = until.UTC()
	return s.writeState(ctx, target, now.UTC(), func(current core.RateLimiterState) core.RateLimiterState {
		current.Target = target
		if current.ThrottledUntil == nil || current.ThrottledUntil.Before(until) {
			current.ThrottledUntil = &until
		}
		current.UpdatedAt = now.UTC()
		return current
	})
}

func (s *RateLimitStateStore) writeState(ctx context.Context, target string, now time.Time, mutate func(core.RateLimiterState) core.RateLimiterState) error {
	lock := s.db.Dialect().Name() == dialect.PG
	for attempt := 0; attempt < maxStateWriteConflicts; attempt++ {
		err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			record, err := findRateLimitStateTx(ctx, tx, target, lock)
			if err != nil {
				return err
			}
			if record == nil {
				record = &rateLimitStateRecord{ID: uuid.NewString(), Target: target, UpdatedAt: now}
				record.apply(mutate(core.RateLimiterState{}))
				record.Version = 1
				result, err := tx.NewInsert().
					Model(record).
					On("CONFLICT (target) DO NOTHING").
					Exec(ctx)
				if err != nil {
					return err
				}
				if affected, _ := result.RowsAffected(); affected != 1 {
					return errStateConflict
				}
				return nil
			}

			expected := record.Version
			record.apply(mutate(record.toDomain()))
			record.Version = expected + 1
			result, err := tx.NewUpdate().
				Model(record).
				WherePK().
				Where("version = ?", expected).
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := result.RowsAffected(); affected != 1 {
				return errStateConflict
			}
			return nil
		})
		if errors.Is(err, errStateConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("sqlstore: rate-limit state for %q: %w", target, errStateConflict)
}

func findRateLimitStateTx(ctx context.Context, db bun.IDB, target string, lock bool) (*rateLimitStateRecord, error) {
	record := &rateLimitStateRecord{}
	query := db.NewSelect().
		Model(record).
		Where("?TableAlias.target = ?", target).
		Limit(1)
	if lock {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
