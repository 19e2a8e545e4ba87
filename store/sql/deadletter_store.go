package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-syncpipe/core"
)

type DeadLetterStore struct {
	db                 *bun.DB
	repo               repository.Repository[*deadLetterRecord]
	DefaultMaxAttempts int
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead-letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{
		db:                 db,
		repo:               repo,
		DefaultMaxAttempts: core.DefaultRetryConfig().MaxAttempts,
	}, nil
}

// Move parks a failed task in the dead-letter table. Moving a task that is
// already dead-lettered returns its existing entry.
func (s *DeadLetterStore) Move(ctx context.Context, taskID string, reason string, movedAt time.Time) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	movedAt = movedAt.UTC()
	var out core.DeadLetterEntry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == string(core.TaskStatusDeadLetter) {
			existing, err := findEntryByTask(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			out = existing.toDomain(task.toDomain())
			return nil
		}
		if task.Status != string(core.TaskStatusFailed) {
			return fmt.Errorf("sqlstore: task %q is %s, only failed tasks can be dead-lettered", task.ID, task.Status)
		}

		result, err := tx.NewUpdate().
			Model((*syncTaskRecord)(nil)).
			Set("status = ?", string(core.TaskStatusDeadLetter)).
			Set("updated_at = ?", movedAt).
			Set("version = version + 1").
			Where("id = ?", task.ID).
			Where("version = ?", task.Version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			return fmt.Errorf("sqlstore: task %q changed while moving to dead letter", task.ID)
		}
		task.Status = string(core.TaskStatusDeadLetter)
		task.UpdatedAt = movedAt
		task.Version++

		record := &deadLetterRecord{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			EntityKind: task.EntityKind,
			Failures:   append([]attemptRecord{}, task.History...),
			Reason:     strings.TrimSpace(reason),
			MovedAt:    movedAt,
		}
		inserted, err := s.repo.CreateTx(ctx, tx, record)
		if err != nil {
			return err
		}
		if inserted == nil {
			inserted = record
		}
		out = inserted.toDomain(task.toDomain())
		return nil
	})
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	record, err := getEntryTx(ctx, s.db, id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return s.withTask(ctx, s.db, record)
}

func (s *DeadLetterStore) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterEntry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.OrderBy("moved_at ASC"),
		repository.OrderBy("id ASC"),
	}
	if !filter.IncludeResolved {
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.replayed_at IS NULL").Where("?TableAlias.archived_at IS NULL")
		}))
	}
	if kind := filter.EntityKind.Normalize(); kind != "" {
		criteria = append(criteria, repository.SelectBy("entity_kind", "=", string(kind)))
	}
	if filter.Limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(filter.Limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetterEntry, 0, len(records))
	for _, record := range records {
		entry, err := s.withTask(ctx, s.db, record)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Replay enqueues task and resolves the entry in one transaction. The
// resolve is conditional, so concurrent replays of one entry enqueue once.
func (s *DeadLetterStore) Replay(ctx context.Context, id string, task core.NewTask, at time.Time) (core.DeadLetterEntry, core.SyncTask, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	if err := task.Validate(); err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	at = at.UTC()
	var (
		entry   core.DeadLetterEntry
		created core.SyncTask
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := activeEntryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		tasks, err := insertTasksTx(ctx, tx, []core.NewTask{task}, at, s.DefaultMaxAttempts)
		if err != nil {
			return err
		}
		created = tasks[0]
		if err := resolveEntryTx(ctx, tx, record.ID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("replayed_at = ?", at).Set("replay_task_id = ?", created.ID)
		}); err != nil {
			return err
		}
		record.ReplayedAt = &at
		record.ReplayTaskID = created.ID
		entry, err = s.withTask(ctx, tx, record)
		return err
	})
	if err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	return entry, created, nil
}

func (s *DeadLetterStore) Archive(ctx context.Context, id string, at time.Time) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead-letter store is not configured")
	}
	at = at.UTC()
	var entry core.DeadLetterEntry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := activeEntryTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := resolveEntryTx(ctx, tx, record.ID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("archived_at = ?", at)
		}); err != nil {
			return err
		}
		record.ArchivedAt = &at
		entry, err = s.withTask(ctx, tx, record)
		return err
	})
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return entry, nil
}

func (s *DeadLetterStore) withTask(ctx context.Context, db bun.IDB, record *deadLetterRecord) (core.DeadLetterEntry, error) {
	task, err := getTaskTx(ctx, db, record.TaskID)
	if err != nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: load dead-lettered task: %w", err)
	}
	return record.toDomain(task.toDomain()), nil
}

func getEntryTx(ctx context.Context, db bun.IDB, id string) (*deadLetterRecord, error) {
	id = strings.TrimSpace(id)
	record := &deadLetterRecord{}
	err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError("dead_letter", id)
		}
		return nil, err
	}
	return record, nil
}

func activeEntryTx(ctx context.Context, db bun.IDB, id string) (*deadLetterRecord, error) {
	record, err := getEntryTx(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if record.ReplayedAt != nil || record.ArchivedAt != nil {
		return nil, core.ErrDeadLetterResolved(record.ID)
	}
	return record, nil
}

func resolveEntryTx(ctx context.Context, db bun.IDB, id string, set func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	query := db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Where("id = ?", id).
		Where("replayed_at IS NULL").
		Where("archived_at IS NULL")
	result, err := set(query).Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return core.ErrDeadLetterResolved(id)
	}
	return nil
}

func findEntryByTask(ctx context.Context, db bun.IDB, taskID string) (*deadLetterRecord, error) {
	record := &deadLetterRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.task_id = ?", taskID).
		OrderExpr("?TableAlias.moved_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError("dead_letter", taskID)
		}
		return nil, err
	}
	return record, nil
}

