package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// EntityStore is the core.EntityStore view of a Store. Transactions are
// serialized and staged; nothing is visible until fn returns nil.
type EntityStore struct{ s *Store }

func (s *Store) Entities() EntityStore { return EntityStore{s: s} }

func (v EntityStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx core.EntityTx) error) error {
	if fn == nil {
		return fmt.Errorf("memory: transaction callback is required")
	}
	v.s.txMu.Lock()
	defer v.s.txMu.Unlock()

	tx := &entityTx{store: v.s, staged: map[string]core.Entity{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for key, entity := range tx.staged {
		v.s.entities[key] = cloneEntity(entity)
	}
	now := v.s.now()
	for _, event := range tx.outbox {
		v.s.appendOutboxLocked(event, now)
	}
	return nil
}

func (v EntityStore) Get(_ context.Context, kind core.EntityKind, externalID string) (core.Entity, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	entity, ok := v.s.entities[entityKey(kind, externalID)]
	if !ok || entity.Deleted {
		return core.Entity{}, false, nil
	}
	return cloneEntity(entity), true, nil
}

func (v EntityStore) Snapshot(_ context.Context, kind core.EntityKind, cursor string, limit int) (core.EntityPage, error) {
	kind = kind.Normalize()
	cursor = strings.TrimSpace(cursor)
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	items := make([]core.Entity, 0)
	for _, entity := range v.s.entities {
		if entity.Kind != kind || entity.Deleted {
			continue
		}
		if cursor != "" && entity.ExternalID <= cursor {
			continue
		}
		items = append(items, entity)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ExternalID < items[j].ExternalID })

	page := core.EntityPage{}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		page.NextCursor = items[len(items)-1].ExternalID
	}
	page.Items = make([]core.Entity, 0, len(items))
	for _, entity := range items {
		page.Items = append(page.Items, cloneEntity(entity))
	}
	return page, nil
}

type entityTx struct {
	store  *Store
	staged map[string]core.Entity
	outbox []core.OutboxEvent
}

func (tx *entityTx) lookup(kind core.EntityKind, externalID string) (core.Entity, bool) {
	key := entityKey(kind, externalID)
	if entity, ok := tx.staged[key]; ok {
		return entity, true
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	entity, ok := tx.store.entities[key]
	return cloneEntity(entity), ok
}

func (tx *entityTx) Get(_ context.Context, kind core.EntityKind, externalID string) (core.Entity, bool, error) {
	entity, ok := tx.lookup(kind, externalID)
	if !ok || entity.Deleted {
		return core.Entity{}, false, nil
	}
	return cloneEntity(entity), true, nil
}

func (tx *entityTx) Upsert(_ context.Context, entity core.Entity) (core.UpsertOutcome, error) {
	entity.Kind = entity.Kind.Normalize()
	entity.ExternalID = strings.TrimSpace(entity.ExternalID)
	if entity.Kind == "" || entity.ExternalID == "" {
		return core.UpsertOutcome{}, fmt.Errorf("memory: entity kind and external id are required")
	}
	if entity.Hash == "" {
		entity.Hash = core.HashFields(entity.Fields)
	}
	now := tx.store.now()
	existing, ok := tx.lookup(entity.Kind, entity.ExternalID)
	if ok && !existing.Deleted && existing.Hash == entity.Hash {
		return core.UpsertOutcome{Entity: cloneEntity(existing)}, nil
	}

	next := core.Entity{
		Kind:       entity.Kind,
		ExternalID: entity.ExternalID,
		Fields:     core.CloneMap(entity.Fields),
		Hash:       entity.Hash,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncedAt:   now,
	}
	if ok {
		next.Version = existing.Version + 1
		next.CreatedAt = existing.CreatedAt
	}
	tx.staged[entityKey(next.Kind, next.ExternalID)] = next
	return core.UpsertOutcome{Created: !ok || existing.Deleted, Changed: true, Entity: cloneEntity(next)}, nil
}

func (tx *entityTx) Delete(_ context.Context, kind core.EntityKind, externalID string, at time.Time) (bool, error) {
	existing, ok := tx.lookup(kind, externalID)
	if !ok || existing.Deleted {
		return false, nil
	}
	existing.Deleted = true
	existing.Version++
	existing.UpdatedAt = at.UTC()
	existing.SyncedAt = at.UTC()
	tx.staged[entityKey(existing.Kind, existing.ExternalID)] = existing
	return true, nil
}

func (tx *entityTx) AppendOutbox(_ context.Context, event core.OutboxEvent) error {
	if strings.TrimSpace(event.Topic) == "" {
		return fmt.Errorf("memory: outbox topic is required")
	}
	tx.outbox = append(tx.outbox, event)
	return nil
}

// PutEntity seeds local state outside the sync path.
func (s *Store) PutEntity(entity core.Entity) core.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity.Kind = entity.Kind.Normalize()
	entity.ExternalID = strings.TrimSpace(entity.ExternalID)
	if entity.Hash == "" {
		entity.Hash = core.HashFields(entity.Fields)
	}
	now := s.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	if entity.Version == 0 {
		entity.Version = 1
	}
	s.entities[entityKey(entity.Kind, entity.ExternalID)] = cloneEntity(entity)
	return cloneEntity(entity)
}

func entityKey(kind core.EntityKind, externalID string) string {
	return core.EntityKey(kind, externalID)
}

func cloneEntity(entity core.Entity) core.Entity {
	entity.Fields = core.CloneMap(entity.Fields)
	return entity
}

var (
	_ core.EntityStore = EntityStore{}
	_ core.EntityTx    = (*entityTx)(nil)
)
