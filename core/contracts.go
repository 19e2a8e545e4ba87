package core

import (
	"context"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// InboxRecord is the outcome of an atomic inbox insert.
type InboxRecord struct {
	Event     InboxEvent
	Tasks     []SyncTask
	Duplicate bool
}

type InboxStore interface {
	// Record inserts the event and its derived tasks in one transaction.
	// When (source, idempotency_key) already exists nothing is written and the
	// stored event is returned with Duplicate set.
	Record(ctx context.Context, event InboxEvent, tasks []NewTask) (InboxRecord, error)
	// FindByContentHash returns the newest event with the same source, topic
	// and payload hash received at or after since.
	FindByContentHash(ctx context.Context, source string, topic string, contentHash string, since time.Time) (InboxEvent, bool, error)
	Get(ctx context.Context, id string) (InboxEvent, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
}

type SyncQueue interface {
	Enqueue(ctx context.Context, tasks ...NewTask) ([]SyncTask, error)
	// Lease atomically claims up to batchSize due tasks for workerID.
	Lease(ctx context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]SyncTask, error)
	Complete(ctx context.Context, taskID string, workerID string) error
	// Fail consumes an attempt and parks the task as failed, pending a dead-letter move.
	Fail(ctx context.Context, taskID string, workerID string, outcome AttemptOutcome) (SyncTask, error)
	// Reschedule consumes an attempt and returns the task to pending at notBefore.
	Reschedule(ctx context.Context, taskID string, workerID string, notBefore time.Time, outcome AttemptOutcome) (SyncTask, error)
	// Release returns a leased task to pending without consuming an attempt.
	Release(ctx context.Context, taskID string, workerID string, notBefore time.Time) error
	Get(ctx context.Context, taskID string) (SyncTask, error)
	List(ctx context.Context, filter TaskFilter) ([]SyncTask, error)
}

type DeadLetterStore interface {
	// Move transitions a failed task to dead_letter and records the entry atomically.
	Move(ctx context.Context, taskID string, reason string, movedAt time.Time) (DeadLetterEntry, error)
	Get(ctx context.Context, id string) (DeadLetterEntry, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	// Replay enqueues task as a fresh pending task and resolves the entry.
	Replay(ctx context.Context, id string, task NewTask, at time.Time) (DeadLetterEntry, SyncTask, error)
	Archive(ctx context.Context, id string, at time.Time) (DeadLetterEntry, error)
}

type OutboxStore interface {
	Append(ctx context.Context, events ...OutboxEvent) ([]OutboxEvent, error)
	// ClaimPending moves due pending events to processing until claimedUntil
	// and stamps each with a fresh ClaimToken.
	ClaimPending(ctx context.Context, limit int, now time.Time, claimedUntil time.Time) ([]OutboxEvent, error)
	// MarkSent, MarkRetry and MarkFailed apply only while the event is still
	// processing under claimToken; otherwise they return ErrClaimLost.
	MarkSent(ctx context.Context, id string, claimToken string, at time.Time) error
	MarkRetry(ctx context.Context, id string, claimToken string, cause error, nextRetryAt time.Time) (OutboxEvent, error)
	MarkFailed(ctx context.Context, id string, claimToken string, cause error) (OutboxEvent, error)
	Get(ctx context.Context, id string) (OutboxEvent, error)
}

type ReportStore interface {
	Save(ctx context.Context, report ReconciliationReport) (ReconciliationReport, error)
	Get(ctx context.Context, id string) (ReconciliationReport, error)
	List(ctx context.Context, kind EntityKind, limit int) ([]ReconciliationReport, error)
}

// EntityTx is the single-task transactional view over local state.
type EntityTx interface {
	Get(ctx context.Context, kind EntityKind, externalID string) (Entity, bool, error)
	Upsert(ctx context.Context, entity Entity) (UpsertOutcome, error)
	Delete(ctx context.Context, kind EntityKind, externalID string, at time.Time) (bool, error)
	AppendOutbox(ctx context.Context, event OutboxEvent) error
}

type EntityStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx EntityTx) error) error
	Get(ctx context.Context, kind EntityKind, externalID string) (Entity, bool, error)
	Snapshot(ctx context.Context, kind EntityKind, cursor string, limit int) (EntityPage, error)
}

type RemoteClient interface {
	Fetch(ctx context.Context, kind EntityKind, cursor string) (RemotePage, error)
	Push(ctx context.Context, kind EntityKind, payload map[string]any) (PushAck, error)
}

type Subscriber interface {
	Deliver(ctx context.Context, topic string, payload map[string]any) error
}

type SubscriberFunc func(ctx context.Context, topic string, payload map[string]any) error

func (f SubscriberFunc) Deliver(ctx context.Context, topic string, payload map[string]any) error {
	return f(ctx, topic, payload)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type EntityLocker interface {
	// Acquire returns ErrLockHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type Breaker interface {
	Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error
	State(ctx context.Context, target string) (BreakerState, error)
}

type RateLimiter interface {
	Acquire(ctx context.Context, target string) (RateDecision, error)
	Wait(ctx context.Context, target string) error
	Penalize(ctx context.Context, target string, retryAfter time.Duration) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

// StoreSet groups the durable stores one pipeline runs on. The in-memory
// and SQL backends both hand out a complete set.
type StoreSet struct {
	Inbox       InboxStore
	Queue       SyncQueue
	DeadLetters DeadLetterStore
	Outbox      OutboxStore
	Reports     ReportStore
	Entities    EntityStore
}

func (s StoreSet) Validate() error {
	switch {
	case s.Inbox == nil:
		return fmt.Errorf("core: inbox store is required")
	case s.Queue == nil:
		return fmt.Errorf("core: sync queue is required")
	case s.DeadLetters == nil:
		return fmt.Errorf("core: dead-letter store is required")
	case s.Outbox == nil:
		return fmt.Errorf("core: outbox store is required")
	case s.Reports == nil:
		return fmt.Errorf("core: report store is required")
	case s.Entities == nil:
		return fmt.Errorf("core: entity store is required")
	}
	return nil
}

type StoreProvider interface {
	Stores() StoreSet
}
