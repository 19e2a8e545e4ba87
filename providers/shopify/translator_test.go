package shopify

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/inbox"
)

func TestTranslatorMapsDefaultTopics(t *testing.T) {
	translator, err := NewTranslator()
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}

	cases := []struct {
		topic     string
		payload   string
		kind      core.EntityKind
		operation core.Operation
		id        string
	}{
		{"orders/updated", `{"id":450789469,"total_price":"10.00"}`, core.EntityKindOrder, core.OperationUpdate, "450789469"},
		{"orders/delete", `{"id":450789469}`, core.EntityKindOrder, core.OperationDelete, "450789469"},
		{"orders/edited", `{"order_edit":{"id":1,"order_id":450789469}}`, core.EntityKindOrder, core.OperationUpdate, "450789469"},
		{"customers/create", `{"id":"cust-9"}`, core.EntityKindCustomer, core.OperationCreate, "cust-9"},
		{"inventory_levels/update", `{"inventory_item_id":271878346596884015,"available":5}`, core.EntityKindInventory, core.OperationUpdate, "271878346596884015"},
		{"products/update", `{"id":632910392}`, core.EntityKindPricing, core.OperationUpdate, "632910392"},
		{"draft_orders/create", `{"id":994118539}`, core.EntityKindInvoice, core.OperationCreate, "994118539"},
	}
	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			tasks, err := translator.Translate(context.Background(), core.InboxEvent{Topic: tc.topic, Payload: []byte(tc.payload)})
			if err != nil {
				t.Fatalf("translate: %v", err)
			}
			if len(tasks) != 1 {
				t.Fatalf("expected one task, got %d", len(tasks))
			}
			task := tasks[0]
			if task.EntityKind != tc.kind || task.Operation != tc.operation || task.EntityExternalID != tc.id {
				t.Fatalf("unexpected task %+v", task)
			}
			if task.Payload["shopify_topic"] != tc.topic {
				t.Fatalf("expected topic to be carried in payload, got %v", task.Payload["shopify_topic"])
			}
		})
	}
}

func TestTranslatorErrors(t *testing.T) {
	translator, err := NewTranslator()
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	if _, err := translator.Translate(context.Background(), core.InboxEvent{Topic: "app/uninstalled", Payload: []byte(`{}`)}); !errors.Is(err, inbox.ErrNoTranslator) {
		t.Fatalf("expected unknown topic error, got %v", err)
	}
	if _, err := translator.Translate(context.Background(), core.InboxEvent{Topic: "orders/create", Payload: []byte(`{"name":"#1001"}`)}); err == nil {
		t.Fatalf("expected missing id to fail")
	}
	if _, err := NewTranslator(TopicBinding{Topic: "orders/create", Kind: core.EntityKindOrder, Operation: "merge"}); err == nil {
		t.Fatalf("expected invalid operation to fail")
	}
}
