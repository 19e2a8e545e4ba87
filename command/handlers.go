package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/deadletter"
	"github.com/goliatone/go-syncpipe/outbox"
	"github.com/goliatone/go-syncpipe/worker"
)

// MutatingService is the write side of a pipeline.
type MutatingService interface {
	SubmitWebhook(ctx context.Context, event core.IncomingEvent) (core.SubmitResult, error)
	EnqueueTask(ctx context.Context, task core.NewTask) (core.SyncTask, error)
	RunWorkerOnce(ctx context.Context) (worker.RunStats, error)
	DrainOutbox(ctx context.Context, batchSize int) (outbox.DrainStats, error)
	RunReconciliation(ctx context.Context, kind core.EntityKind) ([]core.ReconciliationReport, error)
	ReplayDeadLetter(ctx context.Context, id string, options deadletter.ReplayOptions) (ReplayResult, error)
	ArchiveDeadLetter(ctx context.Context, id string) (core.DeadLetterEntry, error)
}

// ReplayResult pairs the resolved entry with the task it produced.
type ReplayResult struct {
	Entry core.DeadLetterEntry
	Task  core.SyncTask
}

type SubmitWebhookCommand struct {
	service MutatingService
}

func NewSubmitWebhookCommand(service MutatingService) *SubmitWebhookCommand {
	return &SubmitWebhookCommand{service: service}
}

func (c *SubmitWebhookCommand) Execute(ctx context.Context, msg SubmitWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook service is required")
	}
	out, err := c.service.SubmitWebhook(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type EnqueueTaskCommand struct {
	service MutatingService
}

func NewEnqueueTaskCommand(service MutatingService) *EnqueueTaskCommand {
	return &EnqueueTaskCommand{service: service}
}

func (c *EnqueueTaskCommand) Execute(ctx context.Context, msg EnqueueTaskMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: queue service is required")
	}
	out, err := c.service.EnqueueTask(ctx, msg.Task)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunWorkerOnceCommand struct {
	service MutatingService
}

func NewRunWorkerOnceCommand(service MutatingService) *RunWorkerOnceCommand {
	return &RunWorkerOnceCommand{service: service}
}

func (c *RunWorkerOnceCommand) Execute(ctx context.Context, _ RunWorkerOnceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: worker service is required")
	}
	out, err := c.service.RunWorkerOnce(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DrainOutboxCommand struct {
	service MutatingService
}

func NewDrainOutboxCommand(service MutatingService) *DrainOutboxCommand {
	return &DrainOutboxCommand{service: service}
}

func (c *DrainOutboxCommand) Execute(ctx context.Context, msg DrainOutboxMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: outbox service is required")
	}
	out, err := c.service.DrainOutbox(ctx, msg.BatchSize)
	// Partial drains still report what was delivered.
	storeResult(ctx, out)
	return err
}

type RunReconciliationCommand struct {
	service MutatingService
}

func NewRunReconciliationCommand(service MutatingService) *RunReconciliationCommand {
	return &RunReconciliationCommand{service: service}
}

func (c *RunReconciliationCommand) Execute(ctx context.Context, msg RunReconciliationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconciliation service is required")
	}
	out, err := c.service.RunReconciliation(ctx, msg.EntityKind.Normalize())
	if len(out) > 0 {
		storeResult(ctx, out)
	}
	return err
}

type ReplayDeadLetterCommand struct {
	service MutatingService
}

func NewReplayDeadLetterCommand(service MutatingService) *ReplayDeadLetterCommand {
	return &ReplayDeadLetterCommand{service: service}
}

func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	out, err := c.service.ReplayDeadLetter(ctx, msg.ID, msg.Options)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ArchiveDeadLetterCommand struct {
	service MutatingService
}

func NewArchiveDeadLetterCommand(service MutatingService) *ArchiveDeadLetterCommand {
	return &ArchiveDeadLetterCommand{service: service}
}

func (c *ArchiveDeadLetterCommand) Execute(ctx context.Context, msg ArchiveDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	out, err := c.service.ArchiveDeadLetter(ctx, msg.ID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
