// Package deadletter is the operator surface over dead-lettered sync tasks.
package deadletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

type ReplayOptions struct {
	// MaxAttempts overrides the attempt budget of the replayed task.
	MaxAttempts int
	// Payload replaces the stored payload when set.
	Payload map[string]any
	// Priority overrides the stored priority when non-nil.
	Priority *int
}

type Service struct {
	Store    core.DeadLetterStore
	Now      func() time.Time
	Observer core.Observer
}

func NewService(store core.DeadLetterStore, observer core.Observer) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("deadletter: store is required")
	}
	return &Service{Store: store, Now: time.Now, Observer: observer}, nil
}

func (s *Service) List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterEntry, error) {
	filter.EntityKind = filter.EntityKind.Normalize()
	return s.Store.List(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.DeadLetterEntry{}, core.ValidationError("id", "dead letter id is required")
	}
	return s.Store.Get(ctx, id)
}

// Replay enqueues a fresh pending task from the entry and resolves it. A
// resolved entry cannot be replayed again.
func (s *Service) Replay(ctx context.Context, id string, options ReplayOptions) (core.DeadLetterEntry, core.SyncTask, error) {
	startedAt := s.now()
	entry, err := s.Get(ctx, id)
	if err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	if entry.Resolved() {
		return core.DeadLetterEntry{}, core.SyncTask{}, core.ErrDeadLetterResolved(entry.ID)
	}

	task := entry.Task.ReplayTask(options.MaxAttempts)
	if options.Payload != nil {
		task.Payload = core.CloneMap(options.Payload)
	}
	if options.Priority != nil {
		task.Priority = *options.Priority
	}
	if err := task.Validate(); err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}

	resolved, replayed, err := s.Store.Replay(ctx, entry.ID, task, startedAt)
	s.Observer.ObserveOperation(ctx, startedAt, "deadletter.replay", err, map[string]any{
		"dead_letter_id": entry.ID,
		"task_id":        entry.TaskID,
		"replay_task_id": replayed.ID,
		"entity_kind":    string(entry.Task.EntityKind),
	})
	if err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	return resolved, replayed, nil
}

func (s *Service) Archive(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	startedAt := s.now()
	id = strings.TrimSpace(id)
	if id == "" {
		return core.DeadLetterEntry{}, core.ValidationError("id", "dead letter id is required")
	}
	entry, err := s.Store.Archive(ctx, id, startedAt)
	s.Observer.ObserveOperation(ctx, startedAt, "deadletter.archive", err, map[string]any{
		"dead_letter_id": id,
		"entity_kind":    string(entry.Task.EntityKind),
	})
	return entry, err
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
