package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

type Inbox struct {
	Store              core.InboxStore
	Translator         Translator
	DedupeWindow       time.Duration
	DefaultMaxAttempts int
	MaxPayloadBytes    int64
	Now                func() time.Time
	Observer           core.Observer
}

func New(store core.InboxStore, translator Translator, cfg core.InboxConfig) (*Inbox, error) {
	if store == nil {
		return nil, fmt.Errorf("inbox: store is required")
	}
	if translator == nil {
		translator = NewTopicRouter()
	}
	return &Inbox{
		Store:              store,
		Translator:         translator,
		DedupeWindow:       cfg.DedupeWindow,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		Now:                func() time.Time { return time.Now().UTC() },
		Observer:           core.NewObserver(nil, nil),
	}, nil
}

// Submit records a delivery exactly once. Duplicates are reported through
// the result status, never as errors, and have no side effects.
func (i *Inbox) Submit(ctx context.Context, incoming core.IncomingEvent) (result core.SubmitResult, err error) {
	if i == nil || i.Store == nil {
		return core.SubmitResult{}, fmt.Errorf("inbox: store is required")
	}
	startedAt := time.Now()
	fields := map[string]any{
		"source": strings.TrimSpace(strings.ToLower(incoming.Source)),
		"topic":  strings.TrimSpace(incoming.Topic),
	}
	defer func() {
		if err == nil {
			fields["outcome"] = string(result.Status)
			fields["event_id"] = result.EventID
			fields["task_count"] = len(result.TaskIDs)
		}
		i.Observer.ObserveOperation(ctx, startedAt, "inbox.submit", err, fields)
	}()

	if err := i.validate(incoming); err != nil {
		return core.SubmitResult{}, err
	}

	receivedAt := incoming.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = i.now()
	}
	receivedAt = receivedAt.UTC()

	source := strings.TrimSpace(strings.ToLower(incoming.Source))
	topic := strings.TrimSpace(incoming.Topic)
	contentHash := core.ContentHash(incoming.Payload)
	key := core.NormalizeIdempotencyKey(incoming.IdempotencyKey)
	derived := false
	if key == "" {
		since := receivedAt.Add(-i.DedupeWindow)
		existing, found, err := i.Store.FindByContentHash(ctx, source, topic, contentHash, since)
		if err != nil {
			return core.SubmitResult{}, err
		}
		if found {
			return core.SubmitResult{
				Status:         core.SubmitDuplicate,
				EventID:        existing.ID,
				IdempotencyKey: existing.IdempotencyKey,
				ContentHash:    contentHash,
			}, nil
		}
		key = core.DeriveIdempotencyKey(source, topic, contentHash, receivedAt, i.DedupeWindow)
		derived = true
	}

	event := core.InboxEvent{
		Source:         source,
		Topic:          topic,
		Payload:        append([]byte(nil), incoming.Payload...),
		ContentHash:    contentHash,
		IdempotencyKey: key,
		KeyDerived:     derived,
		ReceivedAt:     receivedAt,
	}

	tasks, translateErr := i.translate(ctx, event)
	if translateErr != nil {
		event.TranslationError = translateErr.Error()
		tasks = nil
	} else if len(tasks) == 0 {
		event.Processed = true
		event.ProcessedAt = &receivedAt
	}

	record, err := i.Store.Record(ctx, event, tasks)
	if err != nil {
		return core.SubmitResult{}, err
	}

	result = core.SubmitResult{
		Status:         core.SubmitAccepted,
		EventID:        record.Event.ID,
		IdempotencyKey: record.Event.IdempotencyKey,
		ContentHash:    contentHash,
		TaskIDs:        taskIDs(record.Tasks),
	}
	if record.Duplicate {
		result.Status = core.SubmitDuplicate
		return result, nil
	}
	if translateErr != nil {
		result.Warning = translateErr.Error()
		i.Observer.LogWarn(ctx, "inbox: event accepted without tasks", map[string]any{
			"event_id": record.Event.ID,
			"topic":    event.Topic,
			"error":    translateErr.Error(),
		})
	}
	return result, nil
}

func (i *Inbox) validate(incoming core.IncomingEvent) error {
	if strings.TrimSpace(incoming.Source) == "" {
		return core.ValidationError("source", "source is required")
	}
	if strings.TrimSpace(incoming.Topic) == "" {
		return core.ValidationError("topic", "topic is required")
	}
	if i.MaxPayloadBytes > 0 && int64(len(incoming.Payload)) > i.MaxPayloadBytes {
		return core.ValidationError("payload", fmt.Sprintf("payload exceeds %d bytes", i.MaxPayloadBytes))
	}
	return nil
}

func (i *Inbox) translate(ctx context.Context, event core.InboxEvent) (tasks []core.NewTask, err error) {
	if i.Translator == nil {
		return nil, ErrNoTranslator
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			tasks = nil
			err = fmt.Errorf("inbox: translator panic: %v", recovered)
		}
	}()
	tasks, err = i.Translator.Translate(ctx, event)
	if err != nil {
		return nil, err
	}
	for index := range tasks {
		if tasks[index].MaxAttempts <= 0 {
			tasks[index].MaxAttempts = i.DefaultMaxAttempts
		}
		if err := tasks[index].Validate(); err != nil {
			return nil, fmt.Errorf("inbox: translated task %d: %w", index, err)
		}
	}
	return tasks, nil
}

func (i *Inbox) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func taskIDs(tasks []core.SyncTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
