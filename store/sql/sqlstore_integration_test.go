package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-syncpipe/core"
	syncmigrations "github.com/goliatone/go-syncpipe/migrations"
	sqlstore "github.com/goliatone/go-syncpipe/store/sql"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-syncpipe-tests"
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestFactory(t *testing.T) (*sqlstore.RepositoryFactory, *testClock, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	clock := &testClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client,
		sqlstore.WithClock(clock.Now),
		sqlstore.WithDefaultMaxAttempts(3),
		sqlstore.WithDefaultMaxRetries(3),
	)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	if err := factory.Stores().Validate(); err != nil {
		cleanup()
		t.Fatalf("expected complete store set: %v", err)
	}
	return factory, clock, cleanup
}

func orderTask(id string, op core.Operation) core.NewTask {
	return core.NewTask{
		EntityKind:       core.EntityKindOrder,
		EntityExternalID: id,
		Operation:        op,
		Payload:          map[string]any{"id": id},
	}
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"syncpipe_inbox_events", "syncpipe_tasks", "syncpipe_dead_letters", "syncpipe_outbox_events", "syncpipe_entities", "syncpipe_reconciliation_reports", "syncpipe_breaker_states", "syncpipe_rate_limit_states"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestInboxStore_RecordDedupesOnSourceAndKey(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	inbox := factory.InboxStore()

	event := core.InboxEvent{
		Source:         "Shop",
		Topic:          "orders/create",
		Payload:        []byte(`{"id":"1001"}`),
		ContentHash:    "hash-1",
		IdempotencyKey: "delivery-1",
		ReceivedAt:     clock.Now(),
	}
	first, err := inbox.Record(ctx, event, []core.NewTask{orderTask("1001", core.OperationCreate)})
	if err != nil {
		t.Fatalf("record first delivery: %v", err)
	}
	if first.Duplicate || len(first.Tasks) != 1 || first.Event.TaskCount != 1 {
		t.Fatalf("unexpected first record %+v", first)
	}
	if first.Tasks[0].SourceEventID != first.Event.ID || first.Tasks[0].MaxAttempts != 3 {
		t.Fatalf("expected task linked to event with default attempts, got %+v", first.Tasks[0])
	}

	second, err := inbox.Record(ctx, event, []core.NewTask{orderTask("1001", core.OperationCreate), orderTask("1002", core.OperationCreate)})
	if err != nil {
		t.Fatalf("record redelivery: %v", err)
	}
	if !second.Duplicate || second.Event.ID != first.Event.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Event.ID, second)
	}
	if len(second.Tasks) != 1 || second.Tasks[0].ID != first.Tasks[0].ID {
		t.Fatalf("expected original tasks on duplicate, got %+v", second.Tasks)
	}

	tasks, err := factory.QueueStore().List(ctx, core.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected duplicate to write no tasks, got %d", len(tasks))
	}

	found, ok, err := inbox.FindByContentHash(ctx, "shop", "orders/create", "hash-1", clock.Now().Add(-time.Hour))
	if err != nil || !ok || found.ID != first.Event.ID {
		t.Fatalf("expected content hash lookup to find event, ok=%v err=%v", ok, err)
	}
	if _, ok, err := inbox.FindByContentHash(ctx, "shop", "orders/delete", "hash-1", clock.Now().Add(-time.Hour)); err != nil || ok {
		t.Fatalf("expected lookup under another topic to miss, ok=%v err=%v", ok, err)
	}
	if _, ok, err := inbox.FindByContentHash(ctx, "shop", "orders/create", "hash-1", clock.Now().Add(time.Minute)); err != nil || ok {
		t.Fatalf("expected lookup outside window to miss, ok=%v err=%v", ok, err)
	}

	if err := inbox.MarkProcessed(ctx, first.Event.ID, clock.Now()); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	stored, err := inbox.Get(ctx, first.Event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed || stored.ProcessedAt == nil {
		t.Fatalf("expected processed event, got %+v", stored)
	}
	if _, err := inbox.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueueStore_LeaseKeepsEntityOrderAndExclusivity(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	queue := factory.QueueStore()

	created, err := queue.Enqueue(ctx,
		orderTask("A", core.OperationCreate),
		orderTask("A", core.OperationUpdate),
		orderTask("B", core.OperationCreate),
	)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	leased, err := queue.Lease(ctx, "worker-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("expected heads of A and B only, got %d", len(leased))
	}
	for _, task := range leased {
		if task.ID == created[1].ID {
			t.Fatalf("second task for A leased before the first finished")
		}
		if task.Status != core.TaskStatusInProgress || task.LeaseOwner != "worker-1" {
			t.Fatalf("unexpected leased task %+v", task)
		}
	}

	again, err := queue.Lease(ctx, "worker-2", 10, time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no tasks for a second worker, got %d", len(again))
	}

	if err := queue.Complete(ctx, created[0].ID, "worker-2"); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected lease lost for foreign worker, got %v", err)
	}
	if err := queue.Complete(ctx, created[0].ID, "worker-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, err := queue.Lease(ctx, "worker-2", 10, time.Minute)
	if err != nil {
		t.Fatalf("lease after complete: %v", err)
	}
	if len(next) != 1 || next[0].ID != created[1].ID {
		t.Fatalf("expected the second A task, got %+v", next)
	}

	// B's lease expires and another worker reclaims it.
	clock.Advance(2 * time.Minute)
	reclaimed, err := queue.Lease(ctx, "worker-3", 10, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range reclaimed {
		ids[task.ID] = true
	}
	if !ids[created[2].ID] {
		t.Fatalf("expected expired lease on B to be reclaimed, got %+v", reclaimed)
	}
	if err := queue.Complete(ctx, created[2].ID, "worker-1"); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected original holder to lose the lease, got %v", err)
	}
}

func TestQueueStore_RescheduleRecordsAttemptsAndDelays(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	queue := factory.QueueStore()

	created, err := queue.Enqueue(ctx, orderTask("A", core.OperationUpdate))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Lease(ctx, "w", 1, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	task, err := queue.Reschedule(ctx, created[0].ID, "w", clock.Now().Add(30*time.Second), core.AttemptOutcome{
		Result: core.ResultTransientFailure,
		Error:  "timeout",
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if task.AttemptCount != 1 || len(task.History) != 1 || task.History[0].Attempt != 1 || task.LastError != "timeout" {
		t.Fatalf("unexpected attempt bookkeeping %+v", task)
	}
	if task.Status != core.TaskStatusPending || task.LeaseOwner != "" {
		t.Fatalf("expected pending unleased task, got %+v", task)
	}

	if leased, _ := queue.Lease(ctx, "w", 1, time.Minute); len(leased) != 0 {
		t.Fatalf("expected rescheduled task to wait for its delay")
	}
	clock.Advance(30 * time.Second)
	leased, err := queue.Lease(ctx, "w", 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("expected task due after delay, got %d err=%v", len(leased), err)
	}
	if err := queue.Release(ctx, created[0].ID, "w", clock.Now()); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, err := queue.Get(ctx, created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if released.AttemptCount != 1 || released.Status != core.TaskStatusPending {
		t.Fatalf("expected release to keep attempt count, got %+v", released)
	}
}

func TestDeadLetterStore_MoveReplayAndArchive(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	queue := factory.QueueStore()
	dlq := factory.DeadLetterStore()

	created, err := queue.Enqueue(ctx, orderTask("A", core.OperationUpdate), orderTask("A", core.OperationDelete))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := dlq.Move(ctx, created[0].ID, "not failed", clock.Now()); err == nil {
		t.Fatalf("expected pending task to be rejected")
	}
	if _, err := queue.Lease(ctx, "w", 1, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := queue.Fail(ctx, created[0].ID, "w", core.AttemptOutcome{Result: core.ResultPermanentFailure, Error: "bad payload"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// A failed task still holds the entity.
	if leased, _ := queue.Lease(ctx, "w", 10, time.Minute); len(leased) != 0 {
		t.Fatalf("expected failed head to block the entity, got %d", len(leased))
	}

	entry, err := dlq.Move(ctx, created[0].ID, "permanent failure", clock.Now())
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if entry.Task.Status != core.TaskStatusDeadLetter || len(entry.Failures) != 1 || entry.Failures[0].Error != "bad payload" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	again, err := dlq.Move(ctx, created[0].ID, "permanent failure", clock.Now())
	if err != nil || again.ID != entry.ID {
		t.Fatalf("expected idempotent move, got %+v err=%v", again, err)
	}

	leased, err := queue.Lease(ctx, "w", 10, time.Minute)
	if err != nil || len(leased) != 1 || leased[0].ID != created[1].ID {
		t.Fatalf("expected dead-lettered head to unblock the entity, got %+v err=%v", leased, err)
	}

	active, err := dlq.List(ctx, core.DeadLetterFilter{EntityKind: core.EntityKindOrder})
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active entry, got %d err=%v", len(active), err)
	}

	replayed, task, err := dlq.Replay(ctx, entry.ID, entry.Task.ReplayTask(0), clock.Now())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ReplayTaskID != task.ID || replayed.ReplayedAt == nil || task.Status != core.TaskStatusPending {
		t.Fatalf("unexpected replay result %+v / %+v", replayed, task)
	}
	if _, _, err := dlq.Replay(ctx, entry.ID, entry.Task.ReplayTask(0), clock.Now()); err == nil {
		t.Fatalf("expected second replay to be rejected")
	}
	if _, err := dlq.Archive(ctx, entry.ID, clock.Now()); err == nil {
		t.Fatalf("expected archive of a replayed entry to be rejected")
	}

	active, err = dlq.List(ctx, core.DeadLetterFilter{})
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active entries after replay, got %d err=%v", len(active), err)
	}
	all, err := dlq.List(ctx, core.DeadLetterFilter{IncludeResolved: true})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected resolved entry when included, got %d err=%v", len(all), err)
	}
}

func TestOutboxStore_ClaimRetryAndReclaim(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	outbox := factory.OutboxStore()

	appended, err := outbox.Append(ctx,
		core.OutboxEvent{Topic: "order.synced", Payload: map[string]any{"id": "A"}},
		core.OutboxEvent{Topic: "order.synced", Payload: map[string]any{"id": "B"}},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if appended[0].MaxRetries != 3 || appended[0].Status != core.OutboxStatusPending {
		t.Fatalf("unexpected appended event %+v", appended[0])
	}

	now := clock.Now()
	claimed, err := outbox.ClaimPending(ctx, 10, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Status != core.OutboxStatusProcessing {
		t.Fatalf("expected both events claimed, got %+v", claimed)
	}
	if again, _ := outbox.ClaimPending(ctx, 10, now, now.Add(time.Minute)); len(again) != 0 {
		t.Fatalf("expected claimed events to be skipped, got %d", len(again))
	}

	if err := outbox.MarkSent(ctx, claimed[0].ID, claimed[0].ClaimToken, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	retried, err := outbox.MarkRetry(ctx, claimed[1].ID, claimed[1].ClaimToken, errors.New("subscriber down"), now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if retried.Retries != 1 || retried.LastError != "subscriber down" || retried.Status != core.OutboxStatusPending {
		t.Fatalf("unexpected retried event %+v", retried)
	}
	if early, _ := outbox.ClaimPending(ctx, 10, now.Add(5*time.Second), now.Add(time.Minute)); len(early) != 0 {
		t.Fatalf("expected retry delay to hold the event back")
	}

	later := now.Add(10 * time.Second)
	reclaimed, err := outbox.ClaimPending(ctx, 10, later, later.Add(time.Minute))
	if err != nil || len(reclaimed) != 1 || reclaimed[0].ID != claimed[1].ID {
		t.Fatalf("expected the retried event to be claimed, got %+v err=%v", reclaimed, err)
	}

	// The drainer crashed; its claim lapses and the event is claimable again.
	expired := later.Add(2 * time.Minute)
	stale, err := outbox.ClaimPending(ctx, 10, expired, expired.Add(time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected lapsed claim to be reclaimed, got %d err=%v", len(stale), err)
	}

	if _, err := outbox.MarkRetry(ctx, claimed[1].ID, reclaimed[0].ClaimToken, errors.New("late"), expired); !errors.Is(err, core.ErrClaimLost) {
		t.Fatalf("expected lapsed drainer to lose its claim, got %v", err)
	}
	if stale[0].ClaimToken == "" || stale[0].ClaimToken == reclaimed[0].ClaimToken {
		t.Fatalf("expected a fresh claim token, got %q", stale[0].ClaimToken)
	}
	failed, err := outbox.MarkFailed(ctx, claimed[1].ID, stale[0].ClaimToken, errors.New("gone"))
	if err != nil || failed.Status != core.OutboxStatusFailed || failed.Retries != 2 {
		t.Fatalf("unexpected failed event %+v err=%v", failed, err)
	}
	sent, err := outbox.Get(ctx, claimed[0].ID)
	if err != nil || sent.Status != core.OutboxStatusSent || sent.SentAt == nil {
		t.Fatalf("unexpected sent event %+v err=%v", sent, err)
	}
	pendingOnly, err := outbox.List(ctx, core.OutboxStatusPending, 0)
	if err != nil || len(pendingOnly) != 0 {
		t.Fatalf("expected no pending events, got %d err=%v", len(pendingOnly), err)
	}
}

func TestEntityStore_TransactionCommitsEntityAndOutboxTogether(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	entities := factory.EntityStore()
	outbox := factory.OutboxStore()

	boom := errors.New("boom")
	err := entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		if _, err := tx.Upsert(ctx, core.Entity{Kind: "order", ExternalID: "A", Fields: map[string]any{"total": 10}}); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, core.OutboxEvent{Topic: "order.synced"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, ok, _ := entities.Get(ctx, "order", "A"); ok {
		t.Fatalf("expected rolled back entity to be absent")
	}
	if events, _ := outbox.List(ctx, "", 0); len(events) != 0 {
		t.Fatalf("expected rolled back outbox to be empty, got %d", len(events))
	}

	var outcome core.UpsertOutcome
	err = entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		var err error
		outcome, err = tx.Upsert(ctx, core.Entity{Kind: "order", ExternalID: "A", Fields: map[string]any{"total": 10}})
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, core.OutboxEvent{Topic: "order.synced", Payload: map[string]any{"id": "A"}})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !outcome.Created || !outcome.Changed || outcome.Entity.Version != 1 {
		t.Fatalf("unexpected create outcome %+v", outcome)
	}
	if events, _ := outbox.List(ctx, core.OutboxStatusPending, 0); len(events) != 1 {
		t.Fatalf("expected committed outbox event, got %d", len(events))
	}

	err = entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		same, err := tx.Upsert(ctx, core.Entity{Kind: "order", ExternalID: "A", Fields: map[string]any{"total": 10}})
		if err != nil {
			return err
		}
		if same.Changed || same.Entity.Version != 1 {
			return fmt.Errorf("expected unchanged upsert, got %+v", same)
		}
		changed, err := tx.Upsert(ctx, core.Entity{Kind: "order", ExternalID: "A", Fields: map[string]any{"total": 12}})
		if err != nil {
			return err
		}
		if changed.Created || !changed.Changed || changed.Entity.Version != 2 {
			return fmt.Errorf("expected changed upsert at version 2, got %+v", changed)
		}
		deleted, err := tx.Delete(ctx, "order", "A", clock.Now())
		if err != nil || !deleted {
			return fmt.Errorf("expected delete, got %v %v", deleted, err)
		}
		missing, err := tx.Delete(ctx, "order", "Z", clock.Now())
		if err != nil || missing {
			return fmt.Errorf("expected delete of unknown entity to report false, got %v %v", missing, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update transaction: %v", err)
	}
	if _, ok, _ := entities.Get(ctx, "order", "A"); ok {
		t.Fatalf("expected soft-deleted entity to be hidden")
	}
}

func TestEntityStore_SnapshotPagesByExternalID(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	entities := factory.EntityStore()

	err := entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		for _, id := range []string{"C", "A", "AA", "B"} {
			if _, err := tx.Upsert(ctx, core.Entity{Kind: "customer", ExternalID: id, Fields: map[string]any{"name": id}}); err != nil {
				return err
			}
		}
		if _, err := tx.Delete(ctx, "customer", "AA", clock.Now()); err != nil {
			return err
		}
		_, err := tx.Upsert(ctx, core.Entity{Kind: "order", ExternalID: "A", Fields: map[string]any{}})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := entities.Snapshot(ctx, "customer", "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].ExternalID != "A" || first.Items[1].ExternalID != "B" || first.NextCursor != "B" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := entities.Snapshot(ctx, "customer", first.NextCursor, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ExternalID != "C" || second.NextCursor != "" {
		t.Fatalf("unexpected last page %+v", second)
	}
}

func TestReportStore_SaveAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	reports := factory.ReportStore()

	for i := 0; i < 3; i++ {
		started := clock.Now().Add(time.Duration(i) * time.Minute)
		if _, err := reports.Save(ctx, core.ReconciliationReport{
			EntityKind: "order",
			LocalCount: i,
			Discrepancies: []core.Discrepancy{{
				EntityExternalID: "A",
				Field:            "total",
				Kind:             core.DiscrepancyMismatch,
				LocalValue:       float64(i),
				RemoteValue:      float64(i + 1),
			}},
			Warnings:    []string{},
			StartedAt:   started,
			CompletedAt: started.Add(time.Second),
		}); err != nil {
			t.Fatalf("save report %d: %v", i, err)
		}
	}
	listed, err := reports.List(ctx, "order", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].LocalCount != 2 || listed[1].LocalCount != 1 {
		t.Fatalf("expected newest two reports, got %+v", listed)
	}
	loaded, err := reports.Get(ctx, listed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.Discrepancies) != 1 || loaded.Discrepancies[0].Kind != core.DiscrepancyMismatch || loaded.Partial() {
		t.Fatalf("unexpected loaded report %+v", loaded)
	}
}

func TestBreakerStateStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.BreakerStateStore()

	state := core.BreakerState{Target: "ERP", Status: core.BreakerClosed, CoolDown: 30 * time.Second, UpdatedAt: clock.Now()}
	if ok, err := store.CompareAndSwap(ctx, state, 0); err != nil || !ok {
		t.Fatalf("initial swap: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompareAndSwap(ctx, state, 0); err != nil || ok {
		t.Fatalf("expected second insert to lose, ok=%v err=%v", ok, err)
	}

	opened := clock.Now()
	state.Status = core.BreakerOpen
	state.OpenedAt = &opened
	state.OpenCount = 1
	if ok, err := store.CompareAndSwap(ctx, state, 1); err != nil || !ok {
		t.Fatalf("open swap: ok=%v err=%v", ok, err)
	}
	if ok, err := store.CompareAndSwap(ctx, state, 1); err != nil || ok {
		t.Fatalf("expected stale version to lose, ok=%v err=%v", ok, err)
	}

	loaded, err := store.Get(ctx, "erp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Version != 2 || loaded.Status != core.BreakerOpen || loaded.CoolDown != 30*time.Second || loaded.OpenedAt == nil {
		t.Fatalf("unexpected stored state %+v", loaded)
	}
}

func TestRateLimitStateStore_AdmitCapsWindowAndHonoursThrottle(t *testing.T) {
	ctx := context.Background()
	factory, clock, cleanup := newTestFactory(t)
	defer cleanup()
	store := factory.RateLimitStateStore()
	now := clock.Now()

	for i := 0; i < 2; i++ {
		if _, admitted, err := store.Admit(ctx, "shopify", 2, time.Second, now); err != nil || !admitted {
			t.Fatalf("admit %d: admitted=%v err=%v", i, admitted, err)
		}
	}
	state, admitted, err := store.Admit(ctx, "shopify", 2, time.Second, now)
	if err != nil {
		t.Fatalf("third admit: %v", err)
	}
	if admitted || state.CurrentCount != 2 {
		t.Fatalf("expected full window to deny, got admitted=%v count=%d", admitted, state.CurrentCount)
	}

	nextWindow := now.Add(time.Second)
	if _, admitted, err := store.Admit(ctx, "shopify", 2, time.Second, nextWindow); err != nil || !admitted {
		t.Fatalf("expected next window to admit, admitted=%v err=%v", admitted, err)
	}

	if err := store.Throttle(ctx, "shopify", nextWindow.Add(5*time.Second), nextWindow); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	later := nextWindow.Add(2 * time.Second)
	if _, admitted, err := store.Admit(ctx, "shopify", 2, time.Second, later); err != nil || admitted {
		t.Fatalf("expected throttled target to deny, admitted=%v err=%v", admitted, err)
	}
	loaded, err := store.Get(ctx, "Shopify")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.ThrottledUntil == nil || !loaded.ThrottledUntil.Equal(nextWindow.Add(5*time.Second)) {
		t.Fatalf("unexpected throttle state %+v", loaded)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:syncpipe-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = syncmigrations.RegisterDialect(ctx, syncmigrations.DialectSQLite, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	})
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
