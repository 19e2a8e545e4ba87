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

type InboxStore struct {
	db                 *bun.DB
	Now                func() time.Time
	DefaultMaxAttempts int
}

func NewInboxStore(db *bun.DB) (*InboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &InboxStore{
		db:                 db,
		Now:                time.Now,
		DefaultMaxAttempts: core.DefaultRetryConfig().MaxAttempts,
	}, nil
}

// Record inserts the event and its tasks in one transaction. The unique
// (source, idempotency_key) index decides duplicates, so two concurrent
// deliveries of the same key never both produce tasks.
func (s *InboxStore) Record(ctx context.Context, event core.InboxEvent, tasks []core.NewTask) (core.InboxRecord, error) {
	if s == nil || s.db == nil {
		return core.InboxRecord{}, fmt.Errorf("sqlstore: inbox store is not configured")
	}
	event.Source = strings.TrimSpace(strings.ToLower(event.Source))
	event.IdempotencyKey = core.NormalizeIdempotencyKey(event.IdempotencyKey)
	if event.Source == "" {
		return core.InboxRecord{}, fmt.Errorf("sqlstore: inbox source is required")
	}
	if event.IdempotencyKey == "" {
		return core.InboxRecord{}, fmt.Errorf("sqlstore: inbox idempotency key is required")
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return core.InboxRecord{}, err
		}
	}

	now := nowFrom(s.Now)
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	event.TaskCount = len(tasks)

	var out core.InboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := newInboxEventRecord(event)
		result, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (source, idempotency_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			existing, err := s.findByKey(ctx, tx, event.Source, event.IdempotencyKey)
			if err != nil {
				return err
			}
			existingTasks, err := listTasks(ctx, tx, core.TaskFilter{SourceEventID: existing.ID})
			if err != nil {
				return err
			}
			out = core.InboxRecord{Event: existing.toDomain(), Tasks: existingTasks, Duplicate: true}
			return nil
		}

		linked := make([]core.NewTask, 0, len(tasks))
		for _, task := range tasks {
			task.SourceEventID = event.ID
			linked = append(linked, task)
		}
		created, err := insertTasksTx(ctx, tx, linked, now, s.DefaultMaxAttempts)
		if err != nil {
			return err
		}
		out = core.InboxRecord{Event: record.toDomain(), Tasks: created}
		return nil
	})
	if err != nil {
		return core.InboxRecord{}, err
	}
	return out, nil
}

func (s *InboxStore) FindByContentHash(ctx context.Context, source string, topic string, contentHash string, since time.Time) (core.InboxEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboxEvent{}, false, fmt.Errorf("sqlstore: inbox store is not configured")
	}
	record := &inboxEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.source = ?", strings.TrimSpace(strings.ToLower(source))).
		Where("?TableAlias.topic = ?", strings.TrimSpace(topic)).
		Where("?TableAlias.content_hash = ?", contentHash).
		Where("?TableAlias.received_at >= ?", since.UTC()).
		OrderExpr("?TableAlias.received_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.InboxEvent{}, false, nil
		}
		return core.InboxEvent{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *InboxStore) Get(ctx context.Context, id string) (core.InboxEvent, error) {
	if s == nil || s.db == nil {
		return core.InboxEvent{}, fmt.Errorf("sqlstore: inbox store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &inboxEventRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.InboxEvent{}, core.NotFoundError("inbox_event", id)
		}
		return core.InboxEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: inbox store is not configured")
	}
	id = strings.TrimSpace(id)
	result, err := s.db.NewUpdate().
		Model((*inboxEventRecord)(nil)).
		Set("processed = ?", true).
		Set("processed_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.NotFoundError("inbox_event", id)
	}
	return nil
}

func (s *InboxStore) findByKey(ctx context.Context, db bun.IDB, source string, key string) (*inboxEventRecord, error) {
	record := &inboxEventRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.source = ?", source).
		Where("?TableAlias.idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load duplicate inbox event: %w", err)
	}
	return record, nil
}

