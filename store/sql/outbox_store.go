package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/goliatone/go-syncpipe/core"
)

const outboxReturningColumns = `
	id,
	topic,
	payload,
	status,
	retries,
	max_retries,
	last_error,
	next_retry_at,
	claimed_until,
	claim_token,
	sent_at,
	created_at,
	updated_at`

type OutboxStore struct {
	db                *bun.DB
	repo              repository.Repository[*outboxEventRecord]
	Now               func() time.Time
	DefaultMaxRetries int
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxEventRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{
		db:                db,
		repo:              repo,
		Now:               time.Now,
		DefaultMaxRetries: core.DefaultConfig().Outbox.MaxRetries,
	}, nil
}

func (s *OutboxStore) Append(ctx context.Context, events ...core.OutboxEvent) ([]core.OutboxEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	for _, event := range events {
		if strings.TrimSpace(event.Topic) == "" {
			return nil, fmt.Errorf("sqlstore: outbox topic is required")
		}
	}
	out := make([]core.OutboxEvent, 0, len(events))
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := nowFrom(s.Now)
		for _, event := range events {
			created, err := s.appendTx(ctx, tx, event, now)
			if err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OutboxStore) appendTx(ctx context.Context, tx bun.IDB, event core.OutboxEvent, now time.Time) (core.OutboxEvent, error) {
	event.Topic = strings.TrimSpace(event.Topic)
	if event.Topic == "" {
		return core.OutboxEvent{}, fmt.Errorf("sqlstore: outbox topic is required")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	record := newOutboxEventRecord(id, event, s.DefaultMaxRetries, now)
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.OutboxEvent{}, fmt.Errorf("sqlstore: append outbox event %q: %w", event.Topic, err)
	}
	return record.toDomain(), nil
}

// ClaimPending moves due events to processing in a single statement and
// stamps the batch with a new claim token. On postgres the candidate rows are
// locked with SKIP LOCKED so concurrent drainers claim disjoint batches.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int, now time.Time, claimedUntil time.Time) ([]core.OutboxEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		return []core.OutboxEvent{}, nil
	}
	now = now.UTC()
	claimedUntil = claimedUntil.UTC()
	lockClause := ""
	if s.db.Dialect().Name() == dialect.PG {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}

	claimable := `(
		(status = ? AND retries < max_retries AND (next_retry_at IS NULL OR next_retry_at <= ?))
		OR (status = ? AND claimed_until IS NOT NULL AND claimed_until <= ?)
	)`
	query := `
WITH claimed AS (
	SELECT id
	FROM syncpipe_outbox_events
	WHERE ` + claimable + `
	ORDER BY created_at ASC, id ASC
	LIMIT ?
	` + lockClause + `
)
UPDATE syncpipe_outbox_events
SET status = ?, claimed_until = ?, claim_token = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND ` + claimable + `
RETURNING` + outboxReturningColumns

	pending := string(core.OutboxStatusPending)
	processing := string(core.OutboxStatusProcessing)
	var records []outboxEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			query,
			pending, now, processing, now,
			limit,
			processing, claimedUntil, uuid.NewString(), now,
			pending, now, processing, now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.OutboxEvent, 0, len(records))
	for i := range records {
		events = append(events, records[i].toDomain())
	}
	sortOutboxEvents(events)
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id string, claimToken string, at time.Time) error {
	at = at.UTC()
	_, err := s.transitionClaimed(ctx, id, claimToken, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("status = ?", string(core.OutboxStatusSent)).
			Set("sent_at = ?", at).
			Set("last_error = ?", "").
			Set("updated_at = ?", at)
	})
	return err
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id string, claimToken string, cause error, nextRetryAt time.Time) (core.OutboxEvent, error) {
	nextRetryAt = nextRetryAt.UTC()
	return s.transitionClaimed(ctx, id, claimToken, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("status = ?", string(core.OutboxStatusPending)).
			Set("retries = retries + 1").
			Set("last_error = ?", errorText(cause)).
			Set("next_retry_at = ?", nextRetryAt).
			Set("updated_at = ?", nowFrom(s.Now))
	})
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, claimToken string, cause error) (core.OutboxEvent, error) {
	return s.transitionClaimed(ctx, id, claimToken, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("status = ?", string(core.OutboxStatusFailed)).
			Set("retries = retries + 1").
			Set("last_error = ?", errorText(cause)).
			Set("updated_at = ?", nowFrom(s.Now))
	})
}

func (s *OutboxStore) Get(ctx context.Context, id string) (core.OutboxEvent, error) {
	if s == nil || s.db == nil {
		return core.OutboxEvent{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	record, err := getOutboxTx(ctx, s.db, id)
	if err != nil {
		return core.OutboxEvent{}, err
	}
	return record.toDomain(), nil
}

// List returns events in append order, optionally filtered by status.
func (s *OutboxStore) List(ctx context.Context, status core.OutboxStatus, limit int) ([]core.OutboxEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	}
	if status != "" {
		criteria = append(criteria, repository.SelectBy("status", "=", string(status)))
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.OutboxEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// transitionClaimed applies set to an event still processing under
// claimToken and releases the claim in the same statement. A missing row is
// ErrNotFound; a row reclaimed or settled by another drainer is ErrClaimLost.
func (s *OutboxStore) transitionClaimed(ctx context.Context, id string, claimToken string, set func(*bun.UpdateQuery) *bun.UpdateQuery) (core.OutboxEvent, error) {
	if s == nil || s.db == nil {
		return core.OutboxEvent{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	id = strings.TrimSpace(id)
	claimToken = strings.TrimSpace(claimToken)
	var out core.OutboxEvent
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := tx.NewUpdate().
			Model((*outboxEventRecord)(nil)).
			Set("claimed_until = NULL").
			Set("claim_token = ?", "")
		result, err := set(query).
			Where("id = ?", id).
			Where("status = ?", string(core.OutboxStatusProcessing)).
			Where("claim_token = ?", claimToken).
			Where("claim_token <> ?", "").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		record, err := getOutboxTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: outbox event %q", core.ErrClaimLost, id)
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.OutboxEvent{}, err
	}
	return out, nil
}

func getOutboxTx(ctx context.Context, db bun.IDB, id string) (*outboxEventRecord, error) {
	id = strings.TrimSpace(id)
	record := &outboxEventRecord{}
	err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError("outbox_event", id)
		}
		return nil, err
	}
	return record, nil
}

func sortOutboxEvents(events []core.OutboxEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

var _ core.OutboxStore = (*OutboxStore)(nil)
