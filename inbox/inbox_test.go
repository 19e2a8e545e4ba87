package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/store/memory"
)

func newTestInbox(t *testing.T) (*Inbox, *memory.Store) {
	t.Helper()
	store := memory.New()
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	router := NewTopicRouter()
	if err := router.Register("orders/create", NewEntityTranslator(core.EntityKindOrder, core.OperationCreate)); err != nil {
		t.Fatalf("register: %v", err)
	}
	inbox, err := New(store.Inbox(), router, core.InboxConfig{DedupeWindow: time.Hour, DefaultMaxAttempts: 3, MaxPayloadBytes: 1024})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	inbox.Now = func() time.Time { return now }
	return inbox, store
}

func TestSubmit_RepeatedDeliveriesYieldOneEventAndTaskSet(t *testing.T) {
	ctx := context.Background()
	inbox, store := newTestInbox(t)

	incoming := core.IncomingEvent{
		Source:         "shopify",
		Topic:          "orders/create",
		Payload:        []byte(`{"id": 1001, "total": "12.50"}`),
		IdempotencyKey: "delivery-1",
	}
	first, err := inbox.Submit(ctx, incoming)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != core.SubmitAccepted || len(first.TaskIDs) != 1 {
		t.Fatalf("unexpected first result %#v", first)
	}

	for i := 0; i < 4; i++ {
		again, err := inbox.Submit(ctx, incoming)
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if !again.Duplicate() || again.EventID != first.EventID {
			t.Fatalf("expected duplicate of %s, got %#v", first.EventID, again)
		}
	}

	tasks, _ := store.Queue().List(ctx, core.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	if tasks[0].EntityExternalID != "1001" || tasks[0].MaxAttempts != 3 {
		t.Fatalf("unexpected task %#v", tasks[0])
	}
}

func TestSubmit_ConcurrentDeliveriesAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	inbox, store := newTestInbox(t)

	incoming := core.IncomingEvent{
		Source:  "shopify",
		Topic:   "orders/create",
		Payload: []byte(`{"id": 7}`),
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := inbox.Submit(ctx, incoming)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			if result.Status == core.SubmitAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected exactly one acceptance, got %d", accepted)
	}
	tasks, _ := store.Queue().List(ctx, core.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
}

func TestSubmit_ContentHashFallbackIgnoresFormatting(t *testing.T) {
	ctx := context.Background()
	inbox, _ := newTestInbox(t)

	first, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/create", Payload: []byte(`{"id":5,"a":1}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/create", Payload: []byte("{ \"a\": 1,\n \"id\": 5 }")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !second.Duplicate() || second.EventID != first.EventID {
		t.Fatalf("expected reformatted payload to be a duplicate, got %#v", second)
	}
	if !core.IsDerivedIdempotencyKey(first.IdempotencyKey) {
		t.Fatalf("expected derived key, got %q", first.IdempotencyKey)
	}
}

func TestSubmit_ContentHashFallbackIsScopedToTopic(t *testing.T) {
	ctx := context.Background()
	inbox, store := newTestInbox(t)
	router, ok := inbox.Translator.(*TopicRouter)
	if !ok {
		t.Fatalf("expected topic router, got %T", inbox.Translator)
	}
	if err := router.Register("orders/delete", NewEntityTranslator(core.EntityKindOrder, core.OperationDelete)); err != nil {
		t.Fatalf("register: %v", err)
	}

	created, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/create", Payload: []byte(`{"id":7}`)})
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	deleted, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/delete", Payload: []byte(`{"id":7}`)})
	if err != nil {
		t.Fatalf("submit delete: %v", err)
	}
	if created.Status != core.SubmitAccepted || deleted.Status != core.SubmitAccepted {
		t.Fatalf("expected both topics accepted, got %s and %s", created.Status, deleted.Status)
	}
	if deleted.EventID == created.EventID || deleted.IdempotencyKey == created.IdempotencyKey {
		t.Fatalf("expected distinct events, got %#v and %#v", created, deleted)
	}

	tasks, _ := store.Queue().List(ctx, core.TaskFilter{})
	if len(tasks) != 2 {
		t.Fatalf("expected create and delete tasks, got %d", len(tasks))
	}
}

func TestSubmit_UntranslatablePayloadIsAcceptedWithWarning(t *testing.T) {
	ctx := context.Background()
	inbox, store := newTestInbox(t)

	result, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/create", Payload: []byte(`{"total": 1}`), IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != core.SubmitAccepted || len(result.TaskIDs) != 0 || result.Warning == "" {
		t.Fatalf("expected accepted with warning, got %#v", result)
	}
	event, err := store.Inbox().Get(ctx, result.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.TranslationError == "" || event.Processed {
		t.Fatalf("expected recorded translation error, got %#v", event)
	}

	unknown, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "refunds/create", Payload: []byte(`{}`), IdempotencyKey: "k2"})
	if err != nil || unknown.Status != core.SubmitAccepted {
		t.Fatalf("expected unknown topic to be accepted, got %#v, %v", unknown, err)
	}
}

func TestSubmit_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	inbox, _ := newTestInbox(t)

	_, err := inbox.Submit(ctx, core.IncomingEvent{Topic: "orders/create"})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.SyncErrorBadInput {
		t.Fatalf("expected bad input for missing source, got %v", err)
	}

	big := make([]byte, 2048)
	if _, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "orders/create", Payload: big}); err == nil {
		t.Fatalf("expected payload size error")
	}
}

func TestSubmit_TranslatorPanicIsContained(t *testing.T) {
	ctx := context.Background()
	inbox, _ := newTestInbox(t)
	inbox.Translator = TranslatorFunc(func(context.Context, core.InboxEvent) ([]core.NewTask, error) {
		panic("bad mapping")
	})
	result, err := inbox.Submit(ctx, core.IncomingEvent{Source: "shopify", Topic: "x", Payload: []byte(`{}`), IdempotencyKey: "p"})
	if err != nil || result.Warning == "" {
		t.Fatalf("expected panic recorded as warning, got %#v, %v", result, err)
	}
}

func TestTopicRouter_Fallback(t *testing.T) {
	router := NewTopicRouter()
	called := false
	router.Fallback(TranslatorFunc(func(context.Context, core.InboxEvent) ([]core.NewTask, error) {
		called = true
		return nil, nil
	}))
	if _, err := router.Translate(context.Background(), core.InboxEvent{Topic: "anything"}); err != nil || !called {
		t.Fatalf("expected fallback translator, got %v", err)
	}
	if _, err := NewTopicRouter().Translate(context.Background(), core.InboxEvent{Topic: "x"}); !errors.Is(err, ErrNoTranslator) {
		t.Fatalf("expected no translator error, got %v", err)
	}
}
