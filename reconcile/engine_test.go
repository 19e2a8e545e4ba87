package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/store/memory"
)

type pagedRemote struct {
	pages map[string]core.RemotePage
	errs  map[string]error
	calls []string
}

func (r *pagedRemote) Fetch(_ context.Context, _ core.EntityKind, cursor string) (core.RemotePage, error) {
	r.calls = append(r.calls, cursor)
	if err := r.errs[cursor]; err != nil {
		return core.RemotePage{}, err
	}
	return r.pages[cursor], nil
}

func (r *pagedRemote) Push(context.Context, core.EntityKind, map[string]any) (core.PushAck, error) {
	return core.PushAck{}, nil
}

func remoteItem(id string, fields map[string]any) core.RemoteItem {
	return core.RemoteItem{ExternalID: id, Fields: fields}
}

func newTestEngine(t *testing.T, remote core.RemoteClient, autoHeal bool) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	fixed := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return fixed }

	cfg := core.DefaultConfig().Reconcile
	cfg.Kinds = []string{"orders"}
	cfg.AutoHeal = autoHeal
	cfg.PageSize = 2
	engine, err := NewEngine(store.Entities(), remote, store.Reports(), store.Queue(), cfg, core.Observer{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.Now = func() time.Time { return fixed }
	return engine, store
}

func seed(store *memory.Store, id string, value int) {
	store.PutEntity(core.Entity{Kind: "orders", ExternalID: id, Fields: map[string]any{"id": id, "value": value}})
}

func TestCompareReportsMismatchAndMissingLocal(t *testing.T) {
	remote := &pagedRemote{pages: map[string]core.RemotePage{
		"": {
			Items:      []core.RemoteItem{remoteItem("A", map[string]any{"id": "A", "value": 1.0}), remoteItem("B", map[string]any{"id": "B", "value": 3})},
			NextCursor: "page-2",
			Version:    "remote-v1",
		},
		"page-2": {Items: []core.RemoteItem{remoteItem("C", map[string]any{"id": "C", "value": 4})}},
	}}
	engine, store := newTestEngine(t, remote, false)
	seed(store, "A", 1)
	seed(store, "B", 2)

	report, err := engine.Compare(context.Background(), "Orders")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(report.Discrepancies) != 2 {
		t.Fatalf("expected 2 discrepancies, got %+v", report.Discrepancies)
	}
	mismatch := report.Discrepancies[0]
	if mismatch.EntityExternalID != "B" || mismatch.Kind != core.DiscrepancyMismatch || mismatch.Field != "value" {
		t.Fatalf("unexpected mismatch %+v", mismatch)
	}
	if mismatch.LocalValue != 2 || mismatch.RemoteValue != 3 {
		t.Fatalf("unexpected mismatch values %+v", mismatch)
	}
	missing := report.Discrepancies[1]
	if missing.EntityExternalID != "C" || missing.Kind != core.DiscrepancyMissingLocal {
		t.Fatalf("unexpected missing discrepancy %+v", missing)
	}
	if report.LocalCount != 2 || report.RemoteCount != 3 {
		t.Fatalf("unexpected counts local=%d remote=%d", report.LocalCount, report.RemoteCount)
	}
	if report.RemoteSnapshotVersion != "remote-v1" || report.LocalSnapshotVersion == "" {
		t.Fatalf("unexpected snapshot versions %q %q", report.LocalSnapshotVersion, report.RemoteSnapshotVersion)
	}
	if report.Partial() {
		t.Fatalf("expected complete report, got warnings %v", report.Warnings)
	}

	stored, err := store.Reports().Get(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("expected report to be persisted: %v", err)
	}
	if len(stored.Discrepancies) != 2 {
		t.Fatalf("expected persisted discrepancies, got %d", len(stored.Discrepancies))
	}
	tasks, _ := store.Queue().List(context.Background(), core.TaskFilter{})
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks without auto heal, got %d", len(tasks))
	}
}

func TestCompareIgnoresConfiguredFields(t *testing.T) {
	remote := &pagedRemote{pages: map[string]core.RemotePage{
		"": {Items: []core.RemoteItem{remoteItem("A", map[string]any{"id": "A", "value": 1, "updated_at": "later"})}},
	}}
	engine, store := newTestEngine(t, remote, false)
	store.PutEntity(core.Entity{Kind: "orders", ExternalID: "A", Fields: map[string]any{"id": "A", "value": 1, "updated_at": "earlier"}})

	report, err := engine.Compare(context.Background(), "orders")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(report.Discrepancies) != 0 {
		t.Fatalf("expected ignored field to produce no discrepancy, got %+v", report.Discrepancies)
	}
}

func TestCompareToleratesFailedRemotePage(t *testing.T) {
	remote := &pagedRemote{
		pages: map[string]core.RemotePage{
			"": {Items: []core.RemoteItem{remoteItem("A", map[string]any{"id": "A", "value": 1})}, NextCursor: "page-2"},
		},
		errs: map[string]error{"page-2": errors.New("remote timeout")},
	}
	engine, store := newTestEngine(t, remote, true)
	seed(store, "A", 1)
	seed(store, "Z", 9)

	report, err := engine.Compare(context.Background(), "orders")
	if err != nil {
		t.Fatalf("expected partial report, got error %v", err)
	}
	if !report.Partial() || len(report.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", report.Warnings)
	}
	if len(report.Discrepancies) != 0 {
		t.Fatalf("expected missing_remote to be suppressed on partial snapshot, got %+v", report.Discrepancies)
	}
	if len(report.HealedTaskIDs) != 0 {
		t.Fatalf("expected no healing for partial snapshot")
	}
}

func TestCompareAutoHealEnqueuesReconcileTasks(t *testing.T) {
	remote := &pagedRemote{pages: map[string]core.RemotePage{
		"": {Items: []core.RemoteItem{
			remoteItem("B", map[string]any{"value": 3, "status": "paid"}),
			remoteItem("C", map[string]any{"id": "C", "value": 4}),
		}},
	}}
	engine, store := newTestEngine(t, remote, true)
	engine.IDFields["orders"] = "id"
	seed(store, "A", 1)
	seed(store, "B", 2)

	report, err := engine.Compare(context.Background(), "orders")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(report.HealedTaskIDs) != 3 {
		t.Fatalf("expected one healing task per entity, got %v", report.HealedTaskIDs)
	}

	byEntity := map[string]core.SyncTask{}
	for _, id := range report.HealedTaskIDs {
		task, err := store.Queue().Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Operation != core.OperationReconcile {
			t.Fatalf("expected reconcile operation, got %s", task.Operation)
		}
		byEntity[task.EntityExternalID] = task
	}
	if byEntity["A"].Payload[core.ReconcileMissingRemoteField] != true {
		t.Fatalf("expected missing remote flag for A, got %+v", byEntity["A"].Payload)
	}
	if byEntity["B"].Payload["id"] != "B" || byEntity["B"].Payload["status"] != "paid" {
		t.Fatalf("expected remote state with id for B, got %+v", byEntity["B"].Payload)
	}
	if byEntity["C"].Payload["value"] != 4 {
		t.Fatalf("expected remote state for C, got %+v", byEntity["C"].Payload)
	}
}

func TestCompareAutoHealSkipsEntitiesAlreadyQueued(t *testing.T) {
	remote := &pagedRemote{pages: map[string]core.RemotePage{
		"": {Items: []core.RemoteItem{
			remoteItem("B", map[string]any{"id": "B", "value": 3}),
		}},
	}}
	engine, store := newTestEngine(t, remote, true)
	seed(store, "A", 1)
	seed(store, "B", 2)
	ctx := context.Background()

	if _, err := store.Queue().Enqueue(ctx, core.NewTask{
		EntityKind:       "orders",
		EntityExternalID: "B",
		Operation:        core.OperationUpdate,
		Payload:          map[string]any{"id": "B", "value": 3},
	}); err != nil {
		t.Fatalf("enqueue update: %v", err)
	}

	first, err := engine.Compare(ctx, "orders")
	if err != nil {
		t.Fatalf("first compare: %v", err)
	}
	if len(first.HealedTaskIDs) != 2 {
		t.Fatalf("expected healing for both entities, got %v", first.HealedTaskIDs)
	}

	second, err := engine.Compare(ctx, "orders")
	if err != nil {
		t.Fatalf("second compare: %v", err)
	}
	if len(second.Discrepancies) != 2 {
		t.Fatalf("expected discrepancies to still be reported, got %d", len(second.Discrepancies))
	}
	if len(second.HealedTaskIDs) != 0 {
		t.Fatalf("expected queued reconcile tasks to suppress healing, got %v", second.HealedTaskIDs)
	}

	tasks, err := store.Queue().List(ctx, core.TaskFilter{EntityKind: "orders"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	reconciles := 0
	for _, task := range tasks {
		if task.Operation == core.OperationReconcile {
			reconciles++
		}
	}
	if len(tasks) != 3 || reconciles != 2 {
		t.Fatalf("expected one update and two reconcile tasks, got %d tasks with %d reconciles", len(tasks), reconciles)
	}
}

func TestRunOnceJoinsKindErrors(t *testing.T) {
	remote := &pagedRemote{pages: map[string]core.RemotePage{"": {}}}
	engine, _ := newTestEngine(t, remote, false)
	engine.Kinds = []core.EntityKind{"orders", "invoices"}

	reports, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected one report per kind, got %d", len(reports))
	}
	if len(remote.calls) != 2 {
		t.Fatalf("expected one fetch per kind, got %v", remote.calls)
	}
}

func TestNewEngineRequiresQueueForAutoHeal(t *testing.T) {
	store := memory.New()
	cfg := core.ReconcileConfig{AutoHeal: true}
	if _, err := NewEngine(store.Entities(), &pagedRemote{}, nil, nil, cfg, core.Observer{}); err == nil {
		t.Fatalf("expected error without queue")
	}
}
