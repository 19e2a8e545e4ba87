package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// InboxStore is the core.InboxStore view of a Store.
type InboxStore struct{ s *Store }

func (s *Store) Inbox() InboxStore { return InboxStore{s: s} }

func (v InboxStore) Record(_ context.Context, event core.InboxEvent, tasks []core.NewTask) (core.InboxRecord, error) {
	s := v.s
	event.Source = strings.TrimSpace(strings.ToLower(event.Source))
	event.IdempotencyKey = core.NormalizeIdempotencyKey(event.IdempotencyKey)
	if event.Source == "" {
		return core.InboxRecord{}, fmt.Errorf("memory: inbox source is required")
	}
	if event.IdempotencyKey == "" {
		return core.InboxRecord{}, fmt.Errorf("memory: inbox idempotency key is required")
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return core.InboxRecord{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := event.Source + "|" + event.IdempotencyKey
	if existingID, ok := s.eventKeys[key]; ok {
		existing := s.events[existingID]
		return core.InboxRecord{
			Event:     cloneEvent(existing),
			Tasks:     s.tasksForEventLocked(existing.ID),
			Duplicate: true,
		}, nil
	}

	now := s.now()
	if strings.TrimSpace(event.ID) == "" {
		event.ID = s.newID()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	event.ReceivedAt = event.ReceivedAt.UTC()
	event.TaskCount = len(tasks)
	event.Payload = append([]byte(nil), event.Payload...)

	created := make([]core.SyncTask, 0, len(tasks))
	for _, task := range tasks {
		task.SourceEventID = event.ID
		created = append(created, s.insertTaskLocked(task, now))
	}
	s.events[event.ID] = cloneEvent(event)
	s.eventKeys[key] = event.ID
	return core.InboxRecord{Event: cloneEvent(event), Tasks: created}, nil
}

func (v InboxStore) FindByContentHash(_ context.Context, source string, topic string, contentHash string, since time.Time) (core.InboxEvent, bool, error) {
	s := v.s
	source = strings.TrimSpace(strings.ToLower(source))
	topic = strings.TrimSpace(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found core.InboxEvent
		ok    bool
	)
	for _, event := range s.events {
		if event.Source != source || event.Topic != topic || event.ContentHash != contentHash || event.ReceivedAt.Before(since) {
			continue
		}
		if !ok || event.ReceivedAt.After(found.ReceivedAt) {
			found = event
			ok = true
		}
	}
	return cloneEvent(found), ok, nil
}

func (v InboxStore) Get(_ context.Context, id string) (core.InboxEvent, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(id)]
	if !ok {
		return core.InboxEvent{}, core.NotFoundError("inbox_event", id)
	}
	return cloneEvent(event), nil
}

func (v InboxStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(id)]
	if !ok {
		return core.NotFoundError("inbox_event", id)
	}
	at = at.UTC()
	event.Processed = true
	event.ProcessedAt = &at
	s.events[event.ID] = event
	return nil
}

func (s *Store) tasksForEventLocked(eventID string) []core.SyncTask {
	records := make([]*taskRecord, 0)
	for _, record := range s.tasks {
		if record.task.SourceEventID == eventID {
			records = append(records, record)
		}
	}
	sortTaskRecords(records)
	out := make([]core.SyncTask, 0, len(records))
	for _, record := range records {
		out = append(out, cloneTask(record.task))
	}
	return out
}

func cloneEvent(event core.InboxEvent) core.InboxEvent {
	event.Payload = append([]byte(nil), event.Payload...)
	if event.ProcessedAt != nil {
		processedAt := *event.ProcessedAt
		event.ProcessedAt = &processedAt
	}
	return event
}

var _ core.InboxStore = InboxStore{}
