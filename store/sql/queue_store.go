package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-syncpipe/core"
)

var blockingTaskStatuses = []string{
	string(core.TaskStatusPending),
	string(core.TaskStatusInProgress),
	string(core.TaskStatusFailed),
}

// QueueStore is the durable core.SyncQueue. Claims are conditional updates
// on a per-row version so concurrent workers never lease the same task.
type QueueStore struct {
	db                 *bun.DB
	Now                func() time.Time
	DefaultMaxAttempts int
}

func NewQueueStore(db *bun.DB) (*QueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &QueueStore{
		db:                 db,
		Now:                time.Now,
		DefaultMaxAttempts: core.DefaultRetryConfig().MaxAttempts,
	}, nil
}

func (s *QueueStore) Enqueue(ctx context.Context, tasks ...core.NewTask) ([]core.SyncTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return nil, err
		}
	}
	var created []core.SyncTask
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		inserted, err := insertTasksTx(ctx, tx, tasks, nowFrom(s.Now), s.DefaultMaxAttempts)
		if err != nil {
			return err
		}
		created = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Lease claims the oldest blocking task of each entity when it is due,
// highest priority first.
func (s *QueueStore) Lease(ctx context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]core.SyncTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("sqlstore: worker id is required")
	}
	if batchSize <= 0 {
		return []core.SyncTask{}, nil
	}
	if leaseFor <= 0 {
		return nil, fmt.Errorf("sqlstore: lease duration must be positive")
	}

	now := nowFrom(s.Now)
	expiresAt := now.Add(leaseFor)
	leased := make([]core.SyncTask, 0, batchSize)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var candidates []syncTaskRecord
		err := tx.NewSelect().
			Model(&candidates).
			Where(`NOT EXISTS (
	SELECT 1 FROM syncpipe_tasks AS prior
	WHERE prior.entity_key = st.entity_key
	  AND prior.status IN (?)
	  AND (prior.sequence < st.sequence OR (prior.sequence = st.sequence AND prior.id < st.id))
)`, bun.In(blockingTaskStatuses)).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.
					Where("(st.status = ? AND st.next_attempt_at <= ?)", string(core.TaskStatusPending), now).
					WhereOr("(st.status = ? AND st.lease_expires_at IS NOT NULL AND st.lease_expires_at <= ?)", string(core.TaskStatusInProgress), now)
			}).
			OrderExpr("st.priority DESC, st.created_at ASC, st.sequence ASC, st.id ASC").
			Limit(batchSize).
			Scan(ctx)
		if err != nil {
			return err
		}

		for i := range candidates {
			record := &candidates[i]
			result, err := tx.NewUpdate().
				Model((*syncTaskRecord)(nil)).
				Set("status = ?", string(core.TaskStatusInProgress)).
				Set("lease_owner = ?", workerID).
				Set("lease_expires_at = ?", expiresAt).
				Set("updated_at = ?", now).
				Set("version = version + 1").
				Where("id = ?", record.ID).
				Where("version = ?", record.Version).
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := result.RowsAffected(); affected != 1 {
				continue
			}
			record.Status = string(core.TaskStatusInProgress)
			record.LeaseOwner = workerID
			record.LeaseExpiresAt = &expiresAt
			record.UpdatedAt = now
			record.Version++
			leased = append(leased, record.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *QueueStore) Complete(ctx context.Context, taskID string, workerID string) error {
	_, err := s.transitionOwned(ctx, taskID, workerID, func(record *syncTaskRecord, _ time.Time) {
		record.Status = string(core.TaskStatusSucceeded)
		record.LastError = ""
	})
	return err
}

func (s *QueueStore) Fail(ctx context.Context, taskID string, workerID string, outcome core.AttemptOutcome) (core.SyncTask, error) {
	return s.transitionOwned(ctx, taskID, workerID, func(record *syncTaskRecord, _ time.Time) {
		recordAttempt(record, outcome)
		record.Status = string(core.TaskStatusFailed)
	})
}

func (s *QueueStore) Reschedule(ctx context.Context, taskID string, workerID string, notBefore time.Time, outcome core.AttemptOutcome) (core.SyncTask, error) {
	return s.transitionOwned(ctx, taskID, workerID, func(record *syncTaskRecord, _ time.Time) {
		recordAttempt(record, outcome)
		record.Status = string(core.TaskStatusPending)
		record.NextAttemptAt = notBefore.UTC()
	})
}

func (s *QueueStore) Release(ctx context.Context, taskID string, workerID string, notBefore time.Time) error {
	_, err := s.transitionOwned(ctx, taskID, workerID, func(record *syncTaskRecord, _ time.Time) {
		record.Status = string(core.TaskStatusPending)
		record.NextAttemptAt = notBefore.UTC()
	})
	return err
}

func (s *QueueStore) Get(ctx context.Context, taskID string) (core.SyncTask, error) {
	if s == nil || s.db == nil {
		return core.SyncTask{}, fmt.Errorf("sqlstore: queue store is not configured")
	}
	record, err := getTaskTx(ctx, s.db, taskID)
	if err != nil {
		return core.SyncTask{}, err
	}
	return record.toDomain(), nil
}

func (s *QueueStore) List(ctx context.Context, filter core.TaskFilter) ([]core.SyncTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	return listTasks(ctx, s.db, filter)
}

// transitionOwned applies mutate to a task the worker still holds and
// clears its lease. A task re-leased by another worker yields ErrLeaseLost.
func (s *QueueStore) transitionOwned(ctx context.Context, taskID string, workerID string, mutate func(record *syncTaskRecord, now time.Time)) (core.SyncTask, error) {
	if s == nil || s.db == nil {
		return core.SyncTask{}, fmt.Errorf("sqlstore: queue store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	var out core.SyncTask
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if record.Status != string(core.TaskStatusInProgress) || record.LeaseOwner != workerID {
			return fmt.Errorf("%w: task %q", core.ErrLeaseLost, record.ID)
		}
		now := nowFrom(s.Now)
		expected := record.Version
		mutate(record, now)
		record.LeaseOwner = ""
		record.LeaseExpiresAt = nil
		record.UpdatedAt = now
		record.Version = expected + 1

		result, err := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Where("version = ?", expected).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			return fmt.Errorf("%w: task %q", core.ErrLeaseLost, record.ID)
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncTask{}, err
	}
	return out, nil
}

func recordAttempt(record *syncTaskRecord, outcome core.AttemptOutcome) {
	record.AttemptCount++
	outcome.Attempt = record.AttemptCount
	record.History = append(record.History, attemptFromDomain(outcome))
	record.LastError = outcome.Error
}

func insertTasksTx(ctx context.Context, tx bun.IDB, tasks []core.NewTask, now time.Time, defaultMaxAttempts int) ([]core.SyncTask, error) {
	created := make([]core.SyncTask, 0, len(tasks))
	if len(tasks) == 0 {
		return created, nil
	}
	var sequence int64
	if err := tx.NewSelect().
		Model((*syncTaskRecord)(nil)).
		ColumnExpr("COALESCE(MAX(sequence), 0)").
		Scan(ctx, &sequence); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		task = task.Normalize(now, defaultMaxAttempts)
		id := task.ID
		if id == "" {
			id = uuid.NewString()
		}
		sequence++
		record := newSyncTaskRecord(id, task, sequence, now)
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return nil, fmt.Errorf("sqlstore: insert task for %s: %w", core.EntityKey(task.EntityKind, task.EntityExternalID), err)
		}
		created = append(created, record.toDomain())
	}
	return created, nil
}

func getTaskTx(ctx context.Context, db bun.IDB, taskID string) (*syncTaskRecord, error) {
	taskID = strings.TrimSpace(taskID)
	record := &syncTaskRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", taskID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError("sync_task", taskID)
		}
		return nil, err
	}
	return record, nil
}

func listTasks(ctx context.Context, db bun.IDB, filter core.TaskFilter) ([]core.SyncTask, error) {
	var records []syncTaskRecord
	query := db.NewSelect().Model(&records)
	if filter.Status != "" {
		query = query.Where("?TableAlias.status = ?", string(filter.Status))
	}
	if kind := filter.EntityKind.Normalize(); kind != "" {
		query = query.Where("?TableAlias.entity_kind = ?", string(kind))
	}
	if externalID := strings.TrimSpace(filter.EntityExternalID); externalID != "" {
		query = query.Where("?TableAlias.entity_external_id = ?", externalID)
	}
	if sourceEventID := strings.TrimSpace(filter.SourceEventID); sourceEventID != "" {
		query = query.Where("?TableAlias.source_event_id = ?", sourceEventID)
	}
	query = query.OrderExpr("?TableAlias.created_at ASC, ?TableAlias.sequence ASC, ?TableAlias.id ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.SyncTask, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func nowFrom(clock func() time.Time) time.Time {
	if clock != nil {
		return clock().UTC()
	}
	return time.Now().UTC()
}

