package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// DeadLetterStore is the core.DeadLetterStore view of a Store.
type DeadLetterStore struct{ s *Store }

func (s *Store) DeadLetters() DeadLetterStore { return DeadLetterStore{s: s} }

func (v DeadLetterStore) Move(_ context.Context, taskID string, reason string, movedAt time.Time) (core.DeadLetterEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, ok := v.s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return core.DeadLetterEntry{}, core.NotFoundError("sync_task", taskID)
	}
	if record.task.Status == core.TaskStatusDeadLetter {
		for _, entry := range v.s.deadLetters {
			if entry.TaskID == record.task.ID {
				return cloneEntry(entry), nil
			}
		}
	}
	if record.task.Status != core.TaskStatusFailed {
		return core.DeadLetterEntry{}, fmt.Errorf("memory: task %q is %s, only failed tasks can be dead-lettered", record.task.ID, record.task.Status)
	}

	record.task.Status = core.TaskStatusDeadLetter
	record.task.UpdatedAt = movedAt.UTC()
	entry := core.DeadLetterEntry{
		ID:       v.s.newID(),
		TaskID:   record.task.ID,
		Task:     cloneTask(record.task),
		Failures: append([]core.AttemptOutcome(nil), record.task.History...),
		Reason:   strings.TrimSpace(reason),
		MovedAt:  movedAt.UTC(),
	}
	v.s.deadLetters[entry.ID] = entry
	return cloneEntry(entry), nil
}

func (v DeadLetterStore) Get(_ context.Context, id string) (core.DeadLetterEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	entry, ok := v.s.deadLetters[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterEntry{}, core.NotFoundError("dead_letter", id)
	}
	return cloneEntry(entry), nil
}

func (v DeadLetterStore) List(_ context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	kind := filter.EntityKind.Normalize()
	out := make([]core.DeadLetterEntry, 0)
	for _, entry := range v.s.deadLetters {
		if !filter.IncludeResolved && entry.Resolved() {
			continue
		}
		if kind != "" && entry.Task.EntityKind != kind {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].MovedAt.Equal(out[j].MovedAt) {
			return out[i].MovedAt.Before(out[j].MovedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v DeadLetterStore) Replay(_ context.Context, id string, task core.NewTask, at time.Time) (core.DeadLetterEntry, core.SyncTask, error) {
	if err := task.Validate(); err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	entry, err := v.s.activeEntryLocked(id)
	if err != nil {
		return core.DeadLetterEntry{}, core.SyncTask{}, err
	}
	at = at.UTC()
	created := v.s.insertTaskLocked(task, at)
	entry.ReplayedAt = &at
	entry.ReplayTaskID = created.ID
	v.s.deadLetters[entry.ID] = entry
	return cloneEntry(entry), created, nil
}

func (v DeadLetterStore) Archive(_ context.Context, id string, at time.Time) (core.DeadLetterEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	entry, err := v.s.activeEntryLocked(id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	at = at.UTC()
	entry.ArchivedAt = &at
	v.s.deadLetters[entry.ID] = entry
	return cloneEntry(entry), nil
}

func (s *Store) activeEntryLocked(id string) (core.DeadLetterEntry, error) {
	entry, ok := s.deadLetters[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterEntry{}, core.NotFoundError("dead_letter", id)
	}
	if entry.Resolved() {
		return core.DeadLetterEntry{}, core.ErrDeadLetterResolved(entry.ID)
	}
	return entry, nil
}

func cloneEntry(entry core.DeadLetterEntry) core.DeadLetterEntry {
	entry.Task = cloneTask(entry.Task)
	entry.Failures = append([]core.AttemptOutcome(nil), entry.Failures...)
	entry.ReplayedAt = cloneTimePtr(entry.ReplayedAt)
	entry.ArchivedAt = cloneTimePtr(entry.ArchivedAt)
	return entry
}

var _ core.DeadLetterStore = DeadLetterStore{}
