package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-syncpipe/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *testClock) {
	clock := &testClock{now: time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)}
	store := New()
	store.Now = clock.Now
	return store, clock
}

func orderTask(id string, op core.Operation) core.NewTask {
	return core.NewTask{
		EntityKind:       core.EntityKindOrder,
		EntityExternalID: id,
		Operation:        op,
		Payload:          map[string]any{"id": id},
	}
}

func TestInbox_RecordIsIdempotentPerSourceKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	inbox := store.Inbox()

	event := core.InboxEvent{Source: "shopify", Topic: "orders/create", IdempotencyKey: "evt-1", ContentHash: "h1"}
	first, err := inbox.Record(ctx, event, []core.NewTask{orderTask("o1", core.OperationCreate)})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Duplicate || len(first.Tasks) != 1 || first.Tasks[0].SourceEventID != first.Event.ID {
		t.Fatalf("unexpected first record %#v", first)
	}

	second, err := inbox.Record(ctx, event, []core.NewTask{orderTask("o1", core.OperationCreate)})
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if !second.Duplicate || second.Event.ID != first.Event.ID || len(second.Tasks) != 1 {
		t.Fatalf("expected duplicate pointing at first event, got %#v", second)
	}

	other, err := inbox.Record(ctx, core.InboxEvent{Source: "erp", Topic: "orders/create", IdempotencyKey: "evt-1"}, nil)
	if err != nil || other.Duplicate {
		t.Fatalf("expected keys to be scoped by source, got %#v, %v", other, err)
	}

	tasks, _ := store.Queue().List(ctx, core.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("expected one task overall, got %d", len(tasks))
	}
}

func TestInbox_FindByContentHashRespectsWindow(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	inbox := store.Inbox()

	if _, err := inbox.Record(ctx, core.InboxEvent{Source: "shopify", Topic: "orders/create", IdempotencyKey: "k", ContentHash: "abc"}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, ok, _ := inbox.FindByContentHash(ctx, "shopify", "orders/create", "abc", clock.Now().Add(-time.Hour)); !ok {
		t.Fatalf("expected hit inside window")
	}
	if _, ok, _ := inbox.FindByContentHash(ctx, "shopify", "orders/delete", "abc", clock.Now().Add(-time.Hour)); ok {
		t.Fatalf("expected miss for another topic with the same payload")
	}
	if _, ok, _ := inbox.FindByContentHash(ctx, "shopify", "orders/create", "abc", clock.Now().Add(time.Second)); ok {
		t.Fatalf("expected miss outside window")
	}
}

func TestQueue_LeaseOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	queue := store.Queue()

	low, _ := queue.Enqueue(ctx, orderTask("a", core.OperationCreate))
	clock.Advance(time.Second)
	high := orderTask("b", core.OperationCreate)
	high.Priority = 10
	highTasks, _ := queue.Enqueue(ctx, high)
	clock.Advance(time.Second)
	later, _ := queue.Enqueue(ctx, orderTask("c", core.OperationCreate))

	leased, err := queue.Lease(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	got := []string{leased[0].ID, leased[1].ID, leased[2].ID}
	want := []string{highTasks[0].ID, low[0].ID, later[0].ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected lease order %v, want %v", got, want)
		}
	}
	if leased[0].Status != core.TaskStatusInProgress || leased[0].LeaseOwner != "w1" {
		t.Fatalf("expected claimed task, got %#v", leased[0])
	}

	again, _ := queue.Lease(ctx, "w2", 10, time.Minute)
	if len(again) != 0 {
		t.Fatalf("expected leased tasks to be invisible to other workers, got %d", len(again))
	}
}

func TestQueue_PerEntityOrderSurvivesRetries(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	queue := store.Queue()

	created, _ := queue.Enqueue(ctx, orderTask("o1", core.OperationCreate))
	clock.Advance(time.Millisecond)
	updated, _ := queue.Enqueue(ctx, orderTask("o1", core.OperationUpdate))

	leased, _ := queue.Lease(ctx, "w1", 10, time.Minute)
	if len(leased) != 1 || leased[0].ID != created[0].ID {
		t.Fatalf("expected only the oldest task for the entity, got %#v", leased)
	}

	if _, err := queue.Reschedule(ctx, created[0].ID, "w1", clock.Now().Add(time.Minute), core.AttemptOutcome{Error: "timeout"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	leased, _ = queue.Lease(ctx, "w1", 10, time.Minute)
	if len(leased) != 0 {
		t.Fatalf("expected newer task to wait behind backing-off task, got %#v", leased)
	}

	clock.Advance(time.Minute)
	leased, _ = queue.Lease(ctx, "w1", 10, time.Minute)
	if len(leased) != 1 || leased[0].ID != created[0].ID || leased[0].AttemptCount != 1 {
		t.Fatalf("expected retried create first, got %#v", leased)
	}
	if err := queue.Complete(ctx, created[0].ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	leased, _ = queue.Lease(ctx, "w1", 10, time.Minute)
	if len(leased) != 1 || leased[0].ID != updated[0].ID {
		t.Fatalf("expected update after create, got %#v", leased)
	}
}

func TestQueue_ExpiredLeaseIsReclaimedWithoutConsumingAttempt(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	queue := store.Queue()

	created, _ := queue.Enqueue(ctx, orderTask("o1", core.OperationCreate))
	if _, err := queue.Lease(ctx, "crashed", 1, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	clock.Advance(2 * time.Minute)

	leased, _ := queue.Lease(ctx, "w2", 1, time.Minute)
	if len(leased) != 1 || leased[0].LeaseOwner != "w2" || leased[0].AttemptCount != 0 {
		t.Fatalf("expected reclaimed lease, got %#v", leased)
	}
	if err := queue.Complete(ctx, created[0].ID, "crashed"); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected lease lost for stale owner, got %v", err)
	}
	if err := queue.Complete(ctx, created[0].ID, "w2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestQueue_ReleaseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	queue := store.Queue()

	created, _ := queue.Enqueue(ctx, orderTask("o1", core.OperationCreate))
	_, _ = queue.Lease(ctx, "w1", 1, time.Minute)
	if err := queue.Release(ctx, created[0].ID, "w1", clock.Now().Add(time.Second)); err != nil {
		t.Fatalf("release: %v", err)
	}
	task, _ := queue.Get(ctx, created[0].ID)
	if task.Status != core.TaskStatusPending || task.AttemptCount != 0 || task.LeaseOwner != "" {
		t.Fatalf("unexpected released task %#v", task)
	}
}

func TestDeadLetters_MoveReplayArchive(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	queue := store.Queue()
	dlq := store.DeadLetters()

	created, _ := queue.Enqueue(ctx, orderTask("o1", core.OperationCreate))
	_, _ = queue.Lease(ctx, "w1", 1, time.Minute)

	if _, err := dlq.Move(ctx, created[0].ID, "schema", clock.Now()); err == nil {
		t.Fatalf("expected in-progress task to be rejected")
	}
	if _, err := queue.Fail(ctx, created[0].ID, "w1", core.AttemptOutcome{Result: core.ResultPermanentFailure, Error: "schema"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	entry, err := dlq.Move(ctx, created[0].ID, "schema", clock.Now())
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if entry.Task.Status != core.TaskStatusDeadLetter || len(entry.Failures) != 1 {
		t.Fatalf("unexpected entry %#v", entry)
	}
	again, err := dlq.Move(ctx, created[0].ID, "schema", clock.Now())
	if err != nil || again.ID != entry.ID {
		t.Fatalf("expected idempotent move, got %#v, %v", again, err)
	}

	if leased, _ := queue.Lease(ctx, "w1", 10, time.Minute); len(leased) != 0 {
		t.Fatalf("dead-lettered tasks must never be leased")
	}

	replayed, task, err := dlq.Replay(ctx, entry.ID, entry.Task.ReplayTask(0), clock.Now())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ReplayTaskID != task.ID || task.Status != core.TaskStatusPending || task.AttemptCount != 0 {
		t.Fatalf("unexpected replay %#v / %#v", replayed, task)
	}
	original, _ := queue.Get(ctx, created[0].ID)
	if original.Status != core.TaskStatusDeadLetter {
		t.Fatalf("expected original task to stay dead-lettered")
	}

	_, err = dlq.Archive(ctx, entry.ID, clock.Now())
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Category != goerrors.CategoryConflict {
		t.Fatalf("expected conflict for resolved entry, got %v", err)
	}

	active, _ := dlq.List(ctx, core.DeadLetterFilter{})
	if len(active) != 0 {
		t.Fatalf("expected no active entries, got %d", len(active))
	}
	all, _ := dlq.List(ctx, core.DeadLetterFilter{IncludeResolved: true})
	if len(all) != 1 {
		t.Fatalf("expected resolved entry kept for audit, got %d", len(all))
	}
}

func TestOutbox_ClaimRetryAndReclaim(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	outbox := store.Outbox()

	appended, err := outbox.Append(ctx, core.OutboxEvent{Topic: "orders.synced", MaxRetries: 2})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id := appended[0].ID

	claimed, _ := outbox.ClaimPending(ctx, 10, clock.Now(), clock.Now().Add(time.Minute))
	if len(claimed) != 1 || claimed[0].Status != core.OutboxStatusProcessing {
		t.Fatalf("unexpected claim %#v", claimed)
	}
	if again, _ := outbox.ClaimPending(ctx, 10, clock.Now(), clock.Now().Add(time.Minute)); len(again) != 0 {
		t.Fatalf("expected claimed event to be hidden")
	}

	clock.Advance(2 * time.Minute)
	reclaimed, _ := outbox.ClaimPending(ctx, 10, clock.Now(), clock.Now().Add(time.Minute))
	if len(reclaimed) != 1 || reclaimed[0].ClaimToken == claimed[0].ClaimToken {
		t.Fatalf("expected stale claim to be reclaimed under a new token, got %#v", reclaimed)
	}
	if err := outbox.MarkSent(ctx, id, claimed[0].ClaimToken, clock.Now()); !errors.Is(err, core.ErrClaimLost) {
		t.Fatalf("expected stale token to lose its claim, got %v", err)
	}

	retried, err := outbox.MarkRetry(ctx, id, reclaimed[0].ClaimToken, errors.New("subscriber down"), clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if retried.Retries != 1 || retried.Status != core.OutboxStatusPending {
		t.Fatalf("unexpected retry state %#v", retried)
	}
	if due, _ := outbox.ClaimPending(ctx, 10, clock.Now(), clock.Now().Add(time.Minute)); len(due) != 0 {
		t.Fatalf("expected backoff to delay claim")
	}
	clock.Advance(time.Second)
	due, _ := outbox.ClaimPending(ctx, 10, clock.Now(), clock.Now().Add(time.Minute))
	if len(due) != 1 {
		t.Fatalf("expected due event to be claimed")
	}
	if err := outbox.MarkSent(ctx, id, due[0].ClaimToken, clock.Now()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := outbox.MarkFailed(ctx, id, due[0].ClaimToken, errors.New("late")); !errors.Is(err, core.ErrClaimLost) {
		t.Fatalf("expected sent event to reject further transitions, got %v", err)
	}
	sent, _ := outbox.Get(ctx, id)
	if sent.Status != core.OutboxStatusSent || sent.SentAt == nil {
		t.Fatalf("unexpected sent state %#v", sent)
	}
}

func TestEntities_TransactionCommitsOrDiscards(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	entities := store.Entities()

	err := entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		if _, err := tx.Upsert(ctx, core.Entity{Kind: core.EntityKindOrder, ExternalID: "o1", Fields: map[string]any{"total": 10}}); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, core.OutboxEvent{Topic: "orders.synced"}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatalf("expected abort")
	}
	if _, ok, _ := entities.Get(ctx, core.EntityKindOrder, "o1"); ok {
		t.Fatalf("expected rolled back entity")
	}
	if claimed, _ := store.Outbox().ClaimPending(ctx, 10, store.now(), store.now().Add(time.Minute)); len(claimed) != 0 {
		t.Fatalf("expected rolled back outbox event")
	}

	var outcome core.UpsertOutcome
	err = entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		var err error
		outcome, err = tx.Upsert(ctx, core.Entity{Kind: core.EntityKindOrder, ExternalID: "o1", Fields: map[string]any{"total": 10}})
		return err
	})
	if err != nil || !outcome.Created || !outcome.Changed {
		t.Fatalf("expected created entity, got %#v, %v", outcome, err)
	}

	err = entities.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		var err error
		outcome, err = tx.Upsert(ctx, core.Entity{Kind: core.EntityKindOrder, ExternalID: "o1", Fields: map[string]any{"total": 10}})
		return err
	})
	if err != nil || outcome.Changed || outcome.Entity.Version != 1 {
		t.Fatalf("expected unchanged idempotent upsert, got %#v, %v", outcome, err)
	}
}

func TestEntities_SnapshotPages(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	for _, id := range []string{"c", "a", "b"} {
		store.PutEntity(core.Entity{Kind: core.EntityKindOrder, ExternalID: id, Fields: map[string]any{"id": id}})
	}
	store.PutEntity(core.Entity{Kind: core.EntityKindOrder, ExternalID: "d", Deleted: true})

	first, _ := store.Entities().Snapshot(ctx, core.EntityKindOrder, "", 2)
	if len(first.Items) != 2 || first.Items[0].ExternalID != "a" || first.NextCursor != "b" {
		t.Fatalf("unexpected first page %#v", first)
	}
	second, _ := store.Entities().Snapshot(ctx, core.EntityKindOrder, first.NextCursor, 2)
	if len(second.Items) != 1 || second.Items[0].ExternalID != "c" || second.NextCursor != "" {
		t.Fatalf("unexpected second page %#v", second)
	}
}
