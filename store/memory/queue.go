package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// QueueStore is the core.SyncQueue view of a Store.
type QueueStore struct{ s *Store }

func (s *Store) Queue() QueueStore { return QueueStore{s: s} }

func (v QueueStore) Enqueue(_ context.Context, tasks ...core.NewTask) ([]core.SyncTask, error) {
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return nil, err
		}
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	now := v.s.now()
	created := make([]core.SyncTask, 0, len(tasks))
	for _, task := range tasks {
		created = append(created, v.s.insertTaskLocked(task, now))
	}
	return created, nil
}

func (v QueueStore) Lease(_ context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]core.SyncTask, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("memory: worker id is required")
	}
	if batchSize <= 0 {
		return []core.SyncTask{}, nil
	}
	if leaseFor <= 0 {
		return nil, fmt.Errorf("memory: lease duration must be positive")
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	now := v.s.now()
	records := v.s.orderedTasksLocked()
	blocked := map[string]bool{}
	candidates := make([]*taskRecord, 0)
	for _, record := range records {
		key := record.task.EntityKey()
		if blocked[key] {
			continue
		}
		if record.task.BlocksEntity() {
			blocked[key] = true
		}
		if record.task.Leasable(now) {
			candidates = append(candidates, record)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].task.Priority > candidates[j].task.Priority
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	leased := make([]core.SyncTask, 0, len(candidates))
	expiresAt := now.Add(leaseFor)
	for _, record := range candidates {
		record.task.Status = core.TaskStatusInProgress
		record.task.LeaseOwner = workerID
		record.task.LeaseExpiresAt = cloneTimePtr(&expiresAt)
		record.task.UpdatedAt = now
		leased = append(leased, cloneTask(record.task))
	}
	return leased, nil
}

func (v QueueStore) Complete(_ context.Context, taskID string, workerID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.ownedTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	record.task.Status = core.TaskStatusSucceeded
	record.task.LastError = ""
	v.s.clearLeaseLocked(record)
	return nil
}

func (v QueueStore) Fail(_ context.Context, taskID string, workerID string, outcome core.AttemptOutcome) (core.SyncTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.ownedTaskLocked(taskID, workerID)
	if err != nil {
		return core.SyncTask{}, err
	}
	recordAttempt(record, outcome)
	record.task.Status = core.TaskStatusFailed
	v.s.clearLeaseLocked(record)
	return cloneTask(record.task), nil
}

func (v QueueStore) Reschedule(_ context.Context, taskID string, workerID string, notBefore time.Time, outcome core.AttemptOutcome) (core.SyncTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.ownedTaskLocked(taskID, workerID)
	if err != nil {
		return core.SyncTask{}, err
	}
	recordAttempt(record, outcome)
	record.task.Status = core.TaskStatusPending
	record.task.NextAttemptAt = notBefore.UTC()
	v.s.clearLeaseLocked(record)
	return cloneTask(record.task), nil
}

func (v QueueStore) Release(_ context.Context, taskID string, workerID string, notBefore time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.ownedTaskLocked(taskID, workerID)
	if err != nil {
		return err
	}
	record.task.Status = core.TaskStatusPending
	record.task.NextAttemptAt = notBefore.UTC()
	v.s.clearLeaseLocked(record)
	return nil
}

func (v QueueStore) Get(_ context.Context, taskID string) (core.SyncTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	record, ok := v.s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return core.SyncTask{}, core.NotFoundError("sync_task", taskID)
	}
	return cloneTask(record.task), nil
}

func (v QueueStore) List(_ context.Context, filter core.TaskFilter) ([]core.SyncTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	kind := filter.EntityKind.Normalize()
	externalID := strings.TrimSpace(filter.EntityExternalID)
	sourceEventID := strings.TrimSpace(filter.SourceEventID)
	out := make([]core.SyncTask, 0)
	for _, record := range v.s.orderedTasksLocked() {
		task := record.task
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if kind != "" && task.EntityKind != kind {
			continue
		}
		if externalID != "" && task.EntityExternalID != externalID {
			continue
		}
		if sourceEventID != "" && task.SourceEventID != sourceEventID {
			continue
		}
		out = append(out, cloneTask(task))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) insertTaskLocked(task core.NewTask, now time.Time) core.SyncTask {
	task = task.Normalize(now, s.DefaultMaxAttempts)
	id := task.ID
	if id == "" {
		id = s.newID()
	}
	record := &taskRecord{
		seq: s.nextSeq(),
		task: core.SyncTask{
			ID:               id,
			EntityKind:       task.EntityKind,
			EntityExternalID: task.EntityExternalID,
			Operation:        task.Operation,
			Payload:          core.CloneMap(task.Payload),
			Priority:         task.Priority,
			Status:           core.TaskStatusPending,
			MaxAttempts:      task.MaxAttempts,
			NextAttemptAt:    task.NotBefore,
			SourceEventID:    task.SourceEventID,
			History:          []core.AttemptOutcome{},
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	s.tasks[id] = record
	return cloneTask(record.task)
}

func (s *Store) orderedTasksLocked() []*taskRecord {
	records := make([]*taskRecord, 0, len(s.tasks))
	for _, record := range s.tasks {
		records = append(records, record)
	}
	sortTaskRecords(records)
	return records
}

func (s *Store) ownedTaskLocked(taskID string, workerID string) (*taskRecord, error) {
	record, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return nil, core.NotFoundError("sync_task", taskID)
	}
	if record.task.Status != core.TaskStatusInProgress || record.task.LeaseOwner != strings.TrimSpace(workerID) {
		return nil, fmt.Errorf("%w: task %q", core.ErrLeaseLost, record.task.ID)
	}
	return record, nil
}

func (s *Store) clearLeaseLocked(record *taskRecord) {
	record.task.LeaseOwner = ""
	record.task.LeaseExpiresAt = nil
	record.task.UpdatedAt = s.now()
}

func recordAttempt(record *taskRecord, outcome core.AttemptOutcome) {
	record.task.AttemptCount++
	outcome.Attempt = record.task.AttemptCount
	record.task.History = append(record.task.History, outcome)
	record.task.LastError = outcome.Error
}

var _ core.SyncQueue = QueueStore{}
