package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// OutboxStore is the core.OutboxStore view of a Store.
type OutboxStore struct{ s *Store }

func (s *Store) Outbox() OutboxStore { return OutboxStore{s: s} }

func (v OutboxStore) Append(_ context.Context, events ...core.OutboxEvent) ([]core.OutboxEvent, error) {
	for _, event := range events {
		if strings.TrimSpace(event.Topic) == "" {
			return nil, fmt.Errorf("memory: outbox topic is required")
		}
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	now := v.s.now()
	out := make([]core.OutboxEvent, 0, len(events))
	for _, event := range events {
		out = append(out, v.s.appendOutboxLocked(event, now))
	}
	return out, nil
}

func (v OutboxStore) ClaimPending(_ context.Context, limit int, now time.Time, claimedUntil time.Time) ([]core.OutboxEvent, error) {
	if limit <= 0 {
		return []core.OutboxEvent{}, nil
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	now = now.UTC()
	records := make([]*outboxRecord, 0)
	for _, record := range v.s.outbox {
		if claimable(record.event, now) {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].event.CreatedAt.Equal(records[j].event.CreatedAt) {
			return records[i].event.CreatedAt.Before(records[j].event.CreatedAt)
		}
		return records[i].seq < records[j].seq
	})
	if len(records) > limit {
		records = records[:limit]
	}

	claimedUntil = claimedUntil.UTC()
	out := make([]core.OutboxEvent, 0, len(records))
	for _, record := range records {
		record.event.Status = core.OutboxStatusProcessing
		record.event.ClaimedUntil = cloneTimePtr(&claimedUntil)
		record.event.ClaimToken = v.s.newID()
		record.event.UpdatedAt = now
		out = append(out, cloneOutbox(record.event))
	}
	return out, nil
}

func (v OutboxStore) MarkSent(_ context.Context, id string, claimToken string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.claimedOutboxLocked(id, claimToken)
	if err != nil {
		return err
	}
	at = at.UTC()
	record.event.Status = core.OutboxStatusSent
	record.event.SentAt = &at
	record.event.LastError = ""
	record.event.UpdatedAt = at
	return nil
}

func (v OutboxStore) MarkRetry(_ context.Context, id string, claimToken string, cause error, nextRetryAt time.Time) (core.OutboxEvent, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.claimedOutboxLocked(id, claimToken)
	if err != nil {
		return core.OutboxEvent{}, err
	}
	nextRetryAt = nextRetryAt.UTC()
	record.event.Status = core.OutboxStatusPending
	record.event.Retries++
	record.event.LastError = errorText(cause)
	record.event.NextRetryAt = &nextRetryAt
	record.event.UpdatedAt = v.s.now()
	return cloneOutbox(record.event), nil
}

func (v OutboxStore) MarkFailed(_ context.Context, id string, claimToken string, cause error) (core.OutboxEvent, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	record, err := v.s.claimedOutboxLocked(id, claimToken)
	if err != nil {
		return core.OutboxEvent{}, err
	}
	record.event.Status = core.OutboxStatusFailed
	record.event.Retries++
	record.event.LastError = errorText(cause)
	record.event.UpdatedAt = v.s.now()
	return cloneOutbox(record.event), nil
}

// claimedOutboxLocked returns the record still processing under claimToken
// and releases the claim. Callers hold s.mu.
func (s *Store) claimedOutboxLocked(id string, claimToken string) (*outboxRecord, error) {
	id = strings.TrimSpace(id)
	record, ok := s.outbox[id]
	if !ok {
		return nil, core.NotFoundError("outbox_event", id)
	}
	token := strings.TrimSpace(claimToken)
	if record.event.Status != core.OutboxStatusProcessing || token == "" || record.event.ClaimToken != token {
		return nil, fmt.Errorf("%w: outbox event %q", core.ErrClaimLost, id)
	}
	record.event.ClaimedUntil = nil
	record.event.ClaimToken = ""
	return record, nil
}

func (v OutboxStore) Get(_ context.Context, id string) (core.OutboxEvent, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	record, ok := v.s.outbox[strings.TrimSpace(id)]
	if !ok {
		return core.OutboxEvent{}, core.NotFoundError("outbox_event", id)
	}
	return cloneOutbox(record.event), nil
}

func (s *Store) appendOutboxLocked(event core.OutboxEvent, now time.Time) core.OutboxEvent {
	if strings.TrimSpace(event.ID) == "" {
		event.ID = s.newID()
	}
	event.Topic = strings.TrimSpace(event.Topic)
	event.Payload = core.CloneMap(event.Payload)
	event.Status = core.OutboxStatusPending
	event.ClaimToken = ""
	event.ClaimedUntil = nil
	if event.MaxRetries <= 0 {
		event.MaxRetries = s.DefaultMaxRetries
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	s.outbox[event.ID] = &outboxRecord{event: cloneOutbox(event), seq: s.nextSeq()}
	return cloneOutbox(event)
}

func claimable(event core.OutboxEvent, now time.Time) bool {
	switch event.Status {
	case core.OutboxStatusPending:
		if event.MaxRetries > 0 && event.Retries >= event.MaxRetries {
			return false
		}
		return event.NextRetryAt == nil || !event.NextRetryAt.After(now)
	case core.OutboxStatusProcessing:
		return event.ClaimedUntil != nil && !event.ClaimedUntil.After(now)
	default:
		return false
	}
}

func cloneOutbox(event core.OutboxEvent) core.OutboxEvent {
	event.Payload = core.CloneMap(event.Payload)
	event.NextRetryAt = cloneTimePtr(event.NextRetryAt)
	event.ClaimedUntil = cloneTimePtr(event.ClaimedUntil)
	event.SentAt = cloneTimePtr(event.SentAt)
	return event
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ core.OutboxStore = OutboxStore{}
