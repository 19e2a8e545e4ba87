package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type inboxEventRecord struct {
	bun.BaseModel `bun:"table:syncpipe_inbox_events,alias:sie"`

	ID               string     `bun:"id,pk"`
	Source           string     `bun:"source,notnull"`
	Topic            string     `bun:"topic,notnull"`
	Payload          []byte     `bun:"payload,notnull"`
	ContentHash      string     `bun:"content_hash,notnull"`
	IdempotencyKey   string     `bun:"idempotency_key,notnull"`
	KeyDerived       bool       `bun:"key_derived,notnull"`
	TaskCount        int        `bun:"task_count,notnull"`
	TranslationError string     `bun:"translation_error,notnull"`
	Processed        bool       `bun:"processed,notnull"`
	ProcessedAt      *time.Time `bun:"processed_at,nullzero"`
	ReceivedAt       time.Time  `bun:"received_at,notnull"`
}

type attemptRecord struct {
	Attempt    int       `json:"attempt"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type syncTaskRecord struct {
	bun.BaseModel `bun:"table:syncpipe_tasks,alias:st"`

	ID               string          `bun:"id,pk"`
	EntityKind       string          `bun:"entity_kind,notnull"`
	EntityExternalID string          `bun:"entity_external_id,notnull"`
	EntityKey        string          `bun:"entity_key,notnull"`
	Operation        string          `bun:"operation,notnull"`
	Payload          map[string]any  `bun:"payload,type:jsonb,notnull"`
	Priority         int             `bun:"priority,notnull"`
	Status           string          `bun:"status,notnull"`
	AttemptCount     int             `bun:"attempt_count,notnull"`
	MaxAttempts      int             `bun:"max_attempts,notnull"`
	NextAttemptAt    time.Time       `bun:"next_attempt_at,notnull"`
	LastError        string          `bun:"last_error,notnull"`
	LeaseOwner       string          `bun:"lease_owner,notnull"`
	LeaseExpiresAt   *time.Time      `bun:"lease_expires_at,nullzero"`
	SourceEventID    string          `bun:"source_event_id,notnull"`
	History          []attemptRecord `bun:"history,type:jsonb,notnull"`
	Sequence         int64           `bun:"sequence,notnull"`
	Version          int64           `bun:"version,notnull"`
	CreatedAt        time.Time       `bun:"created_at,notnull"`
	UpdatedAt        time.Time       `bun:"updated_at,notnull"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:syncpipe_dead_letters,alias:sdl"`

	ID           string          `bun:"id,pk"`
	TaskID       string          `bun:"task_id,notnull"`
	EntityKind   string          `bun:"entity_kind,notnull"`
	Failures     []attemptRecord `bun:"failures,type:jsonb,notnull"`
	Reason       string          `bun:"reason,notnull"`
	MovedAt      time.Time       `bun:"moved_at,notnull"`
	ReplayedAt   *time.Time      `bun:"replayed_at,nullzero"`
	ReplayTaskID string          `bun:"replay_task_id,notnull"`
	ArchivedAt   *time.Time      `bun:"archived_at,nullzero"`
}

type outboxEventRecord struct {
	bun.BaseModel `bun:"table:syncpipe_outbox_events,alias:soe"`

	ID           string         `bun:"id,pk"`
	Topic        string         `bun:"topic,notnull"`
	Payload      map[string]any `bun:"payload,type:jsonb,notnull"`
	Status       string         `bun:"status,notnull"`
	Retries      int            `bun:"retries,notnull"`
	MaxRetries   int            `bun:"max_retries,notnull"`
	LastError    string         `bun:"last_error,notnull"`
	NextRetryAt  *time.Time     `bun:"next_retry_at,nullzero"`
	ClaimedUntil *time.Time     `bun:"claimed_until,nullzero"`
	ClaimToken   string         `bun:"claim_token,notnull"`
	SentAt       *time.Time     `bun:"sent_at,nullzero"`
	CreatedAt    time.Time      `bun:"created_at,notnull"`
	UpdatedAt    time.Time      `bun:"updated_at,notnull"`
}

type discrepancyRecord struct {
	EntityExternalID string `json:"entity_external_id"`
	Field            string `json:"field,omitempty"`
	Kind             string `json:"kind"`
	LocalValue       any    `json:"local_value,omitempty"`
	RemoteValue      any    `json:"remote_value,omitempty"`
}

type reportRecord struct {
	bun.BaseModel `bun:"table:syncpipe_reconciliation_reports,alias:srr"`

	ID                    string              `bun:"id,pk"`
	EntityKind            string              `bun:"entity_kind,notnull"`
	LocalSnapshotVersion  string              `bun:"local_snapshot_version,notnull"`
	RemoteSnapshotVersion string              `bun:"remote_snapshot_version,notnull"`
	LocalCount            int                 `bun:"local_count,notnull"`
	RemoteCount           int                 `bun:"remote_count,notnull"`
	Discrepancies         []discrepancyRecord `bun:"discrepancies,type:jsonb,notnull"`
	Warnings              []string            `bun:"warnings,type:jsonb,notnull"`
	HealedTaskIDs         []string            `bun:"healed_task_ids,type:jsonb,notnull"`
	StartedAt             time.Time           `bun:"started_at,notnull"`
	CompletedAt           time.Time           `bun:"completed_at,notnull"`
}

type entityRecord struct {
	bun.BaseModel `bun:"table:syncpipe_entities,alias:sen"`

	ID         string         `bun:"id,pk"`
	Kind       string         `bun:"kind,notnull"`
	ExternalID string         `bun:"external_id,notnull"`
	Fields     map[string]any `bun:"fields,type:jsonb,notnull"`
	Hash       string         `bun:"hash,notnull"`
	Version    int64          `bun:"version,notnull"`
	Deleted    bool           `bun:"deleted,notnull"`
	CreatedAt  time.Time      `bun:"created_at,notnull"`
	UpdatedAt  time.Time      `bun:"updated_at,notnull"`
	SyncedAt   time.Time      `bun:"synced_at,notnull"`
}

type breakerStateRecord struct {
	bun.BaseModel `bun:"table:syncpipe_breaker_states,alias:sbs"`

	ID                  string     `bun:"id,pk"`
	Target              string     `bun:"target,notnull"`
	Status              string     `bun:"status,notnull"`
	ConsecutiveFailures int        `bun:"consecutive_failures,notnull"`
	OpenedAt            *time.Time `bun:"opened_at,nullzero"`
	CoolDownMillis      int64      `bun:"cool_down_ms,notnull"`
	OpenCount           int        `bun:"open_count,notnull"`
	ProbeInFlight       bool       `bun:"probe_in_flight,notnull"`
	ProbeStartedAt      *time.Time `bun:"probe_started_at,nullzero"`
	Version             int64      `bun:"version,notnull"`
	UpdatedAt           time.Time  `bun:"updated_at,notnull"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:syncpipe_rate_limit_states,alias:srl"`

	ID             string     `bun:"id,pk"`
	Target         string     `bun:"target,notnull"`
	Capacity       int        `bun:"capacity,notnull"`
	CurrentCount   int        `bun:"current_count,notnull"`
	WindowMillis   int64      `bun:"window_ms,notnull"`
	WindowStart    time.Time  `bun:"window_start,notnull"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	Version        int64      `bun:"version,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull"`
}
