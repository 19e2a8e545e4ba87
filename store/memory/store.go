// Package memory is an in-process implementation of every pipeline store.
// One mutex guards all records so inbox inserts and task creation stay
// atomic, matching the transactional guarantees of the SQL stores.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-syncpipe/core"
)

type taskRecord struct {
	task core.SyncTask
	seq  int64
}

type outboxRecord struct {
	event core.OutboxEvent
	seq   int64
}

type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	seq  int64

	Now                func() time.Time
	NewID              func() string
	DefaultMaxAttempts int
	DefaultMaxRetries  int

	events      map[string]core.InboxEvent
	eventKeys   map[string]string
	tasks       map[string]*taskRecord
	deadLetters map[string]core.DeadLetterEntry
	outbox      map[string]*outboxRecord
	reports     map[string]core.ReconciliationReport
	entities    map[string]core.Entity
}

func New() *Store {
	return &Store{
		Now:                func() time.Time { return time.Now().UTC() },
		NewID:              uuid.NewString,
		DefaultMaxAttempts: core.DefaultRetryConfig().MaxAttempts,
		DefaultMaxRetries:  core.DefaultConfig().Outbox.MaxRetries,
		events:             map[string]core.InboxEvent{},
		eventKeys:          map[string]string{},
		tasks:              map[string]*taskRecord{},
		deadLetters:        map[string]core.DeadLetterEntry{},
		outbox:             map[string]*outboxRecord{},
		reports:            map[string]core.ReconciliationReport{},
		entities:           map[string]core.Entity{},
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func sortTaskRecords(records []*taskRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		left, right := records[i], records[j]
		if !left.task.CreatedAt.Equal(right.task.CreatedAt) {
			return left.task.CreatedAt.Before(right.task.CreatedAt)
		}
		return left.seq < right.seq
	})
}

func cloneTask(task core.SyncTask) core.SyncTask {
	task.Payload = core.CloneMap(task.Payload)
	task.History = append([]core.AttemptOutcome(nil), task.History...)
	if task.LeaseExpiresAt != nil {
		expiresAt := *task.LeaseExpiresAt
		task.LeaseExpiresAt = &expiresAt
	}
	return task
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// Stores returns every store view backed by s.
func (s *Store) Stores() core.StoreSet {
	return core.StoreSet{
		Inbox:       s.Inbox(),
		Queue:       s.Queue(),
		DeadLetters: s.DeadLetters(),
		Outbox:      s.Outbox(),
		Reports:     s.Reports(),
		Entities:    s.Entities(),
	}
}

var _ core.StoreProvider = (*Store)(nil)
