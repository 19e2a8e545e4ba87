package command

import (
	"strings"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/deadletter"
)

const (
	TypeSubmitWebhook     = "syncpipe.command.webhook.submit"
	TypeEnqueueTask       = "syncpipe.command.task.enqueue"
	TypeRunWorkerOnce     = "syncpipe.command.worker.run_once"
	TypeDrainOutbox       = "syncpipe.command.outbox.drain"
	TypeRunReconciliation = "syncpipe.command.reconcile.run"
	TypeReplayDeadLetter  = "syncpipe.command.dead_letter.replay"
	TypeArchiveDeadLetter = "syncpipe.command.dead_letter.archive"
)

type SubmitWebhookMessage struct {
	Event core.IncomingEvent
}

func (SubmitWebhookMessage) Type() string { return TypeSubmitWebhook }

func (m SubmitWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Event.Source) == "" {
		return commandValidationError("source", "source is required")
	}
	if strings.TrimSpace(m.Event.Topic) == "" {
		return commandValidationError("topic", "topic is required")
	}
	if len(m.Event.Payload) == 0 {
		return commandValidationError("payload", "payload is required")
	}
	return nil
}

// EnqueueTaskMessage schedules a task directly, bypassing the inbox. Used by
// operators to force a resync of one entity.
type EnqueueTaskMessage struct {
	Task core.NewTask
}

func (EnqueueTaskMessage) Type() string { return TypeEnqueueTask }

func (m EnqueueTaskMessage) Validate() error {
	if m.Task.EntityKind.Normalize() == "" {
		return commandValidationError("entity_kind", "entity kind is required")
	}
	if strings.TrimSpace(m.Task.EntityExternalID) == "" {
		return commandValidationError("entity_external_id", "entity external id is required")
	}
	if !m.Task.Operation.Valid() {
		return commandValidationError("operation", "operation must be create, update, delete or reconcile")
	}
	if m.Task.MaxAttempts < 0 {
		return commandValidationError("max_attempts", "max attempts must not be negative")
	}
	return nil
}

type RunWorkerOnceMessage struct{}

func (RunWorkerOnceMessage) Type() string { return TypeRunWorkerOnce }

type DrainOutboxMessage struct {
	// BatchSize overrides the configured batch when positive.
	BatchSize int
}

func (DrainOutboxMessage) Type() string { return TypeDrainOutbox }

func (m DrainOutboxMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "batch size must not be negative")
	}
	return nil
}

// RunReconciliationMessage reconciles one kind, or every configured kind
// when EntityKind is empty.
type RunReconciliationMessage struct {
	EntityKind core.EntityKind
}

func (RunReconciliationMessage) Type() string { return TypeRunReconciliation }

type ReplayDeadLetterMessage struct {
	ID      string
	Options deadletter.ReplayOptions
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	if m.Options.MaxAttempts < 0 {
		return commandValidationError("max_attempts", "max attempts must not be negative")
	}
	return nil
}

type ArchiveDeadLetterMessage struct {
	ID string
}

func (ArchiveDeadLetterMessage) Type() string { return TypeArchiveDeadLetter }

func (m ArchiveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	return nil
}
