package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-syncpipe/breaker"
	"github.com/goliatone/go-syncpipe/core"
)

// BreakerStateStore shares circuit state across processes. Every write is
// a compare-and-swap on the row version.
type BreakerStateStore struct {
	db *bun.DB
}

func NewBreakerStateStore(db *bun.DB) (*BreakerStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &BreakerStateStore{db: db}, nil
}

func (s *BreakerStateStore) Get(ctx context.Context, target string) (core.BreakerState, error) {
	if s == nil || s.db == nil {
		return core.BreakerState{}, fmt.Errorf("sqlstore: breaker state store is not configured")
	}
	record := &breakerStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.target = ?", breaker.NormalizeTarget(target)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.BreakerState{}, breaker.ErrStateNotFound
		}
		return core.BreakerState{}, err
	}
	return record.toDomain(), nil
}

func (s *BreakerStateStore) CompareAndSwap(ctx context.Context, next core.BreakerState, expectedVersion int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: breaker state store is not configured")
	}
	next.Target = breaker.NormalizeTarget(next.Target)
	if next.Target == "" {
		return false, fmt.Errorf("sqlstore: breaker target is required")
	}

	record := &breakerStateRecord{Target: next.Target, Version: expectedVersion + 1}
	record.apply(next)
	if expectedVersion == 0 {
		record.ID = uuid.NewString()
		result, err := s.db.NewInsert().
			Model(record).
			On("CONFLICT (target) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return false, err
		}
		affected, _ := result.RowsAffected()
		return affected == 1, nil
	}

	result, err := s.db.NewUpdate().
		Model(record).
		ExcludeColumn("id", "target").
		Where("target = ?", next.Target).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

var _ breaker.StateStore = (*BreakerStateStore)(nil)
