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

// EntityStore keeps the local copy of synchronized entities. WithinTx runs
// entity writes and outbox appends in one database transaction.
type EntityStore struct {
	db     *bun.DB
	repo   repository.Repository[*entityRecord]
	outbox *OutboxStore
	Now    func() time.Time
}

func NewEntityStore(db *bun.DB, outbox *OutboxStore) (*EntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is required")
	}
	repo := repository.NewRepository[*entityRecord](db, entityHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entity repository wiring: %w", err)
		}
	}
	return &EntityStore{db: db, repo: repo, outbox: outbox, Now: time.Now}, nil
}

func (s *EntityStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx core.EntityTx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entity store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction callback is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &entityTx{store: s, tx: tx})
	})
}

func (s *EntityStore) Get(ctx context.Context, kind core.EntityKind, externalID string) (core.Entity, bool, error) {
	if s == nil || s.db == nil {
		return core.Entity{}, false, fmt.Errorf("sqlstore: entity store is not configured")
	}
	record, err := findEntity(ctx, s.db, kind, externalID)
	if err != nil {
		return core.Entity{}, false, err
	}
	if record == nil || record.Deleted {
		return core.Entity{}, false, nil
	}
	return record.toDomain(), true, nil
}

// Snapshot pages live entities of kind ordered by external id. NextCursor
// is empty on the last page.
func (s *EntityStore) Snapshot(ctx context.Context, kind core.EntityKind, cursor string, limit int) (core.EntityPage, error) {
	if s == nil || s.repo == nil {
		return core.EntityPage{}, fmt.Errorf("sqlstore: entity store is not configured")
	}
	kind = kind.Normalize()
	cursor = strings.TrimSpace(cursor)
	criteria := []repository.SelectCriteria{
		repository.SelectBy("kind", "=", string(kind)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted = ?", false)
		}),
		repository.OrderBy("external_id ASC"),
	}
	if cursor != "" {
		criteria = append(criteria, repository.SelectBy("external_id", ">", cursor))
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit+1, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return core.EntityPage{}, err
	}

	page := core.EntityPage{}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		page.NextCursor = records[len(records)-1].ExternalID
	}
	page.Items = make([]core.Entity, 0, len(records))
	for _, record := range records {
		page.Items = append(page.Items, record.toDomain())
	}
	return page, nil
}

type entityTx struct {
	store *EntityStore
	tx    bun.Tx
}

func (t *entityTx) Get(ctx context.Context, kind core.EntityKind, externalID string) (core.Entity, bool, error) {
	record, err := findEntity(ctx, t.tx, kind, externalID)
	if err != nil {
		return core.Entity{}, false, err
	}
	if record == nil || record.Deleted {
		return core.Entity{}, false, nil
	}
	return record.toDomain(), true, nil
}

func (t *entityTx) Upsert(ctx context.Context, entity core.Entity) (core.UpsertOutcome, error) {
	entity.Kind = entity.Kind.Normalize()
	entity.ExternalID = strings.TrimSpace(entity.ExternalID)
	if entity.Kind == "" || entity.ExternalID == "" {
		return core.UpsertOutcome{}, fmt.Errorf("sqlstore: entity kind and external id are required")
	}
	if entity.Hash == "" {
		entity.Hash = core.HashFields(entity.Fields)
	}
	now := nowFrom(t.store.Now)

	existing, err := findEntity(ctx, t.tx, entity.Kind, entity.ExternalID)
	if err != nil {
		return core.UpsertOutcome{}, err
	}
	if existing == nil {
		record := &entityRecord{
			ID:         uuid.NewString(),
			Kind:       string(entity.Kind),
			ExternalID: entity.ExternalID,
			Fields:     copyAnyMap(entity.Fields),
			Hash:       entity.Hash,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncedAt:   now,
		}
		inserted, err := t.store.repo.CreateTx(ctx, t.tx, record)
		if err != nil {
			return core.UpsertOutcome{}, err
		}
		if inserted == nil {
			inserted = record
		}
		return core.UpsertOutcome{Created: true, Changed: true, Entity: inserted.toDomain()}, nil
	}
	if !existing.Deleted && existing.Hash == entity.Hash {
		return core.UpsertOutcome{Entity: existing.toDomain()}, nil
	}

	revived := existing.Deleted
	existing.Fields = copyAnyMap(entity.Fields)
	existing.Hash = entity.Hash
	existing.Deleted = false
	existing.Version++
	existing.UpdatedAt = now
	existing.SyncedAt = now
	if _, err := t.tx.NewUpdate().Model(existing).WherePK().Exec(ctx); err != nil {
		return core.UpsertOutcome{}, err
	}
	return core.UpsertOutcome{Created: revived, Changed: true, Entity: existing.toDomain()}, nil
}

// Delete soft-deletes the entity so snapshots skip it while its version
// history is kept.
func (t *entityTx) Delete(ctx context.Context, kind core.EntityKind, externalID string, at time.Time) (bool, error) {
	existing, err := findEntity(ctx, t.tx, kind, externalID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Deleted {
		return false, nil
	}
	at = at.UTC()
	existing.Deleted = true
	existing.Version++
	existing.UpdatedAt = at
	existing.SyncedAt = at
	if _, err := t.tx.NewUpdate().Model(existing).WherePK().Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (t *entityTx) AppendOutbox(ctx context.Context, event core.OutboxEvent) error {
	_, err := t.store.outbox.appendTx(ctx, t.tx, event, nowFrom(t.store.Now))
	return err
}

func findEntity(ctx context.Context, db bun.IDB, kind core.EntityKind, externalID string) (*entityRecord, error) {
	record := &entityRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.kind = ?", string(kind.Normalize())).
		Where("?TableAlias.external_id = ?", strings.TrimSpace(externalID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

var (
	_ core.EntityStore = (*EntityStore)(nil)
	_ core.EntityTx    = (*entityTx)(nil)
)
