package core

import (
	"strings"
	"time"
)

type EntityKind string

const (
	EntityKindOrder     EntityKind = "orders"
	EntityKindInvoice   EntityKind = "invoices"
	EntityKindCustomer  EntityKind = "customers"
	EntityKindInventory EntityKind = "inventory"
	EntityKindPricing   EntityKind = "pricing"
)

func (k EntityKind) Normalize() EntityKind {
	return EntityKind(strings.TrimSpace(strings.ToLower(string(k))))
}

type Operation string

const (
	OperationCreate    Operation = "create"
	OperationUpdate    Operation = "update"
	OperationDelete    Operation = "delete"
	OperationReconcile Operation = "reconcile"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationReconcile:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusDeadLetter
}

// IncomingEvent is an inbound webhook delivery as handed to the inbox.
type IncomingEvent struct {
	Source         string
	Topic          string
	Payload        []byte
	IdempotencyKey string
	Signature      string
	Headers        map[string]string
	ReceivedAt     time.Time
}

type InboxEvent struct {
	ID               string
	Source           string
	Topic            string
	Payload          []byte
	ContentHash      string
	IdempotencyKey   string
	KeyDerived       bool
	TaskCount        int
	TranslationError string
	Processed        bool
	ProcessedAt      *time.Time
	ReceivedAt       time.Time
}

type SubmitStatus string

const (
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitDuplicate SubmitStatus = "duplicate"
)

type SubmitResult struct {
	Status         SubmitStatus
	EventID        string
	IdempotencyKey string
	ContentHash    string
	TaskIDs        []string
	Warning        string
}

func (r SubmitResult) Duplicate() bool {
	return r.Status == SubmitDuplicate
}

// NewTask describes a task to enqueue. Zero values are filled by the queue.
type NewTask struct {
	ID               string
	EntityKind       EntityKind
	EntityExternalID string
	Operation        Operation
	Payload          map[string]any
	Priority         int
	MaxAttempts      int
	NotBefore        time.Time
	SourceEventID    string
}

type SyncTask struct {
	ID               string
	EntityKind       EntityKind
	EntityExternalID string
	Operation        Operation
	Payload          map[string]any
	Priority         int
	Status           TaskStatus
	AttemptCount     int
	MaxAttempts      int
	NextAttemptAt    time.Time
	LastError        string
	LeaseOwner       string
	LeaseExpiresAt   *time.Time
	SourceEventID    string
	History          []AttemptOutcome
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntityKey scopes mutual exclusion and ordering for a task.
func (t SyncTask) EntityKey() string {
	return EntityKey(t.EntityKind, t.EntityExternalID)
}

func EntityKey(kind EntityKind, externalID string) string {
	return string(kind.Normalize()) + ":" + strings.TrimSpace(externalID)
}

type AttemptOutcome struct {
	Attempt    int
	Result     ResultKind
	Error      string
	WorkerID   string
	StartedAt  time.Time
	FinishedAt time.Time
}

type TaskFilter struct {
	Status           TaskStatus
	EntityKind       EntityKind
	EntityExternalID string
	SourceEventID    string
	Limit            int
}

type DeadLetterEntry struct {
	ID           string
	TaskID       string
	Task         SyncTask
	Failures     []AttemptOutcome
	Reason       string
	MovedAt      time.Time
	ReplayedAt   *time.Time
	ReplayTaskID string
	ArchivedAt   *time.Time
}

// Resolved reports whether the entry left the active dead-letter set.
func (e DeadLetterEntry) Resolved() bool {
	return e.ReplayedAt != nil || e.ArchivedAt != nil
}

type DeadLetterFilter struct {
	EntityKind      EntityKind
	IncludeResolved bool
	Limit           int
}

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

type OutboxEvent struct {
	ID           string
	Topic        string
	Payload      map[string]any
	Status       OutboxStatus
	Retries      int
	MaxRetries   int
	LastError    string
	NextRetryAt  *time.Time
	ClaimedUntil *time.Time
	// ClaimToken identifies the current claim. Status changes must present it.
	ClaimToken   string
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

type BreakerState struct {
	Target              string
	Status              BreakerStatus
	ConsecutiveFailures int
	OpenedAt            *time.Time
	CoolDown            time.Duration
	OpenCount           int
	ProbeInFlight       bool
	ProbeStartedAt      *time.Time
	Version             int64
	UpdatedAt           time.Time
}

type RateLimiterState struct {
	Target         string
	Capacity       int
	CurrentCount   int
	Window         time.Duration
	WindowStart    time.Time
	ThrottledUntil *time.Time
	UpdatedAt      time.Time
}

// RateDecision is either a grant or a wait hint.
type RateDecision struct {
	Granted bool
	Wait    time.Duration
}

// ReconcileMissingRemoteField marks a reconcile task payload for an entity
// the remote no longer has.
const ReconcileMissingRemoteField = "_remote_missing"

type DiscrepancyKind string

const (
	DiscrepancyMismatch      DiscrepancyKind = "mismatch"
	DiscrepancyMissingLocal  DiscrepancyKind = "missing_local"
	DiscrepancyMissingRemote DiscrepancyKind = "missing_remote"
)

type Discrepancy struct {
	EntityExternalID string
	Field            string
	Kind             DiscrepancyKind
	LocalValue       any
	RemoteValue      any
}

type ReconciliationReport struct {
	ID                    string
	EntityKind            EntityKind
	LocalSnapshotVersion  string
	RemoteSnapshotVersion string
	LocalCount            int
	RemoteCount           int
	Discrepancies         []Discrepancy
	Warnings              []string
	HealedTaskIDs         []string
	StartedAt             time.Time
	CompletedAt           time.Time
}

// Partial reports whether any snapshot page failed during the run.
func (r ReconciliationReport) Partial() bool {
	return len(r.Warnings) > 0
}

type Entity struct {
	Kind       EntityKind
	ExternalID string
	Fields     map[string]any
	Hash       string
	Version    int64
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SyncedAt   time.Time
}

type UpsertOutcome struct {
	Created bool
	Changed bool
	Entity  Entity
}

type EntityPage struct {
	Items      []Entity
	NextCursor string
}

type RemoteItem struct {
	ExternalID string
	Fields     map[string]any
}

type RemotePage struct {
	Items      []RemoteItem
	NextCursor string
	Version    string
}

type PushAck struct {
	RemoteID string
	Metadata map[string]any
}

func (t NewTask) Validate() error {
	if t.EntityKind.Normalize() == "" {
		return ValidationError("entity_kind", "entity kind is required")
	}
	if strings.TrimSpace(t.EntityExternalID) == "" {
		return ValidationError("entity_external_id", "entity external id is required")
	}
	if !t.Operation.Valid() {
		return ValidationError("operation", "operation "+string(t.Operation)+" is invalid")
	}
	if t.MaxAttempts < 0 {
		return ValidationError("max_attempts", "max attempts must not be negative")
	}
	return nil
}

// Normalize trims identifiers and applies scheduling defaults.
func (t NewTask) Normalize(now time.Time, defaultMaxAttempts int) NewTask {
	t.ID = strings.TrimSpace(t.ID)
	t.EntityKind = t.EntityKind.Normalize()
	t.EntityExternalID = strings.TrimSpace(t.EntityExternalID)
	t.SourceEventID = strings.TrimSpace(t.SourceEventID)
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	t.NotBefore = t.NotBefore.UTC()
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	return t
}

// ReplayTask builds a fresh task from a dead-lettered one.
func (t SyncTask) ReplayTask(maxAttempts int) NewTask {
	if maxAttempts <= 0 {
		maxAttempts = t.MaxAttempts
	}
	return NewTask{
		EntityKind:       t.EntityKind,
		EntityExternalID: t.EntityExternalID,
		Operation:        t.Operation,
		Payload:          CloneMap(t.Payload),
		Priority:         t.Priority,
		MaxAttempts:      maxAttempts,
		SourceEventID:    t.SourceEventID,
	}
}

// Leasable reports whether the task may be claimed at now, ignoring
// per-entity ordering.
func (t SyncTask) Leasable(now time.Time) bool {
	switch t.Status {
	case TaskStatusPending:
		return !t.NextAttemptAt.After(now)
	case TaskStatusInProgress:
		return t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// BlocksEntity reports whether the task holds back newer tasks for the same
// entity.
func (t SyncTask) BlocksEntity() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// CloneMap makes a shallow copy of a payload map.
func CloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
