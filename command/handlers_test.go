package command

import (
	"context"
	"fmt"
	"testing"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/deadletter"
	"github.com/goliatone/go-syncpipe/outbox"
	"github.com/goliatone/go-syncpipe/worker"
)

func TestSubmitWebhookCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.SubmitResult{Status: core.SubmitAccepted, EventID: "evt_1", TaskIDs: []string{"task_1"}}
	called := false
	svc := stubMutatingService{
		submitFn: func(_ context.Context, event core.IncomingEvent) (core.SubmitResult, error) {
			called = true
			if event.Source != "shopify" || event.Topic != "orders/updated" {
				t.Fatalf("unexpected event: %#v", event)
			}
			return expected, nil
		},
	}

	cmd := NewSubmitWebhookCommand(svc)
	collector := gocmd.NewResult[core.SubmitResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, SubmitWebhookMessage{Event: core.IncomingEvent{
		Source:  "shopify",
		Topic:   "orders/updated",
		Payload: []byte(`{"id":1}`),
	}})
	if err != nil {
		t.Fatalf("execute submit: %v", err)
	}
	if !called {
		t.Fatalf("expected submit invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.EventID != expected.EventID || len(result.TaskIDs) != 1 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunCommands_DelegateToService(t *testing.T) {
	t.Run("run worker once", func(t *testing.T) {
		svc := stubMutatingService{
			runWorkerFn: func(context.Context) (worker.RunStats, error) {
				return worker.RunStats{Leased: 2, Succeeded: 2}, nil
			},
		}
		collector := gocmd.NewResult[worker.RunStats]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewRunWorkerOnceCommand(svc).Execute(ctx, RunWorkerOnceMessage{}); err != nil {
			t.Fatalf("execute run worker: %v", err)
		}
		stats, ok := collector.Load()
		if !ok || stats.Succeeded != 2 {
			t.Fatalf("unexpected run stats: %#v", stats)
		}
	})

	t.Run("drain outbox stores partial stats on error", func(t *testing.T) {
		svc := stubMutatingService{
			drainFn: func(_ context.Context, batchSize int) (outbox.DrainStats, error) {
				if batchSize != 25 {
					t.Fatalf("expected batch size 25, got %d", batchSize)
				}
				return outbox.DrainStats{Claimed: 3, Sent: 2}, fmt.Errorf("store write failed")
			},
		}
		collector := gocmd.NewResult[outbox.DrainStats]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewDrainOutboxCommand(svc).Execute(ctx, DrainOutboxMessage{BatchSize: 25}); err == nil {
			t.Fatalf("expected drain error to propagate")
		}
		stats, ok := collector.Load()
		if !ok || stats.Sent != 2 {
			t.Fatalf("expected partial stats to be stored, got %#v", stats)
		}
	})

	t.Run("run reconciliation normalizes kind", func(t *testing.T) {
		svc := stubMutatingService{
			reconcileFn: func(_ context.Context, kind core.EntityKind) ([]core.ReconciliationReport, error) {
				if kind != core.EntityKindOrder {
					t.Fatalf("expected normalized kind, got %q", kind)
				}
				return []core.ReconciliationReport{{ID: "rep_1", EntityKind: kind}}, nil
			},
		}
		collector := gocmd.NewResult[[]core.ReconciliationReport]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewRunReconciliationCommand(svc).Execute(ctx, RunReconciliationMessage{EntityKind: " Orders "}); err != nil {
			t.Fatalf("execute reconcile: %v", err)
		}
		reports, ok := collector.Load()
		if !ok || len(reports) != 1 {
			t.Fatalf("unexpected reports: %#v", reports)
		}
	})
}

func TestDeadLetterCommands_DelegateToService(t *testing.T) {
	priority := 5
	svc := stubMutatingService{
		replayFn: func(_ context.Context, id string, options deadletter.ReplayOptions) (ReplayResult, error) {
			if id != "dlq_1" || options.Priority == nil || *options.Priority != 5 {
				t.Fatalf("unexpected replay request: %q %#v", id, options)
			}
			return ReplayResult{
				Entry: core.DeadLetterEntry{ID: id},
				Task:  core.SyncTask{ID: "task_2", Status: core.TaskStatusPending},
			}, nil
		},
		archiveFn: func(_ context.Context, id string) (core.DeadLetterEntry, error) {
			return core.DeadLetterEntry{ID: id}, nil
		},
	}

	collector := gocmd.NewResult[ReplayResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewReplayDeadLetterCommand(svc).Execute(ctx, ReplayDeadLetterMessage{
		ID:      "dlq_1",
		Options: deadletter.ReplayOptions{Priority: &priority},
	}); err != nil {
		t.Fatalf("execute replay: %v", err)
	}
	replayed, ok := collector.Load()
	if !ok || replayed.Task.ID != "task_2" {
		t.Fatalf("unexpected replay result: %#v", replayed)
	}

	archived := gocmd.NewResult[core.DeadLetterEntry]()
	ctx = gocmd.ContextWithResult(context.Background(), archived)
	if err := NewArchiveDeadLetterCommand(svc).Execute(ctx, ArchiveDeadLetterMessage{ID: "dlq_1"}); err != nil {
		t.Fatalf("execute archive: %v", err)
	}
	if entry, ok := archived.Load(); !ok || entry.ID != "dlq_1" {
		t.Fatalf("unexpected archive result: %#v", entry)
	}
}

func TestEnqueueTaskMessage_Validate(t *testing.T) {
	valid := EnqueueTaskMessage{Task: core.NewTask{
		EntityKind:       core.EntityKindCustomer,
		EntityExternalID: "cust_1",
		Operation:        core.OperationReconcile,
	}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	invalid := valid
	invalid.Task.Operation = "merge"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected unknown operation to fail validation")
	}
	invalid = valid
	invalid.Task.EntityExternalID = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected blank external id to fail validation")
	}
}

func TestSubmitWebhookMessage_Validate(t *testing.T) {
	if err := (SubmitWebhookMessage{Event: core.IncomingEvent{Source: "shop", Topic: "orders/create"}}).Validate(); err == nil {
		t.Fatalf("expected empty payload to fail validation")
	}
	if err := (DrainOutboxMessage{BatchSize: -1}).Validate(); err == nil {
		t.Fatalf("expected negative batch size to fail validation")
	}
}

type stubMutatingService struct {
	submitFn    func(context.Context, core.IncomingEvent) (core.SubmitResult, error)
	enqueueFn   func(context.Context, core.NewTask) (core.SyncTask, error)
	runWorkerFn func(context.Context) (worker.RunStats, error)
	drainFn     func(context.Context, int) (outbox.DrainStats, error)
	reconcileFn func(context.Context, core.EntityKind) ([]core.ReconciliationReport, error)
	replayFn    func(context.Context, string, deadletter.ReplayOptions) (ReplayResult, error)
	archiveFn   func(context.Context, string) (core.DeadLetterEntry, error)
}

func (s stubMutatingService) SubmitWebhook(ctx context.Context, event core.IncomingEvent) (core.SubmitResult, error) {
	if s.submitFn == nil {
		return core.SubmitResult{}, nil
	}
	return s.submitFn(ctx, event)
}

func (s stubMutatingService) EnqueueTask(ctx context.Context, task core.NewTask) (core.SyncTask, error) {
	if s.enqueueFn == nil {
		return core.SyncTask{}, nil
	}
	return s.enqueueFn(ctx, task)
}

func (s stubMutatingService) RunWorkerOnce(ctx context.Context) (worker.RunStats, error) {
	if s.runWorkerFn == nil {
		return worker.RunStats{}, nil
	}
	return s.runWorkerFn(ctx)
}

func (s stubMutatingService) DrainOutbox(ctx context.Context, batchSize int) (outbox.DrainStats, error) {
	if s.drainFn == nil {
		return outbox.DrainStats{}, nil
	}
	return s.drainFn(ctx, batchSize)
}

func (s stubMutatingService) RunReconciliation(ctx context.Context, kind core.EntityKind) ([]core.ReconciliationReport, error) {
	if s.reconcileFn == nil {
		return nil, nil
	}
	return s.reconcileFn(ctx, kind)
}

func (s stubMutatingService) ReplayDeadLetter(ctx context.Context, id string, options deadletter.ReplayOptions) (ReplayResult, error) {
	if s.replayFn == nil {
		return ReplayResult{}, nil
	}
	return s.replayFn(ctx, id, options)
}

func (s stubMutatingService) ArchiveDeadLetter(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	if s.archiveFn == nil {
		return core.DeadLetterEntry{}, nil
	}
	return s.archiveFn(ctx, id)
}
