package shopify

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/inbox"
)

// TopicBinding maps one Shopify webhook topic onto a sync task shape.
type TopicBinding struct {
	Topic     string
	Kind      core.EntityKind
	Operation core.Operation
	IDField   string
}

// DefaultTopics covers the admin webhook topics the pipeline syncs.
// Cancellation and payment events update the order record rather than
// deleting it.
func DefaultTopics() []TopicBinding {
	return []TopicBinding{
		{Topic: "orders/create", Kind: core.EntityKindOrder, Operation: core.OperationCreate},
		{Topic: "orders/updated", Kind: core.EntityKindOrder, Operation: core.OperationUpdate},
		{Topic: "orders/edited", Kind: core.EntityKindOrder, Operation: core.OperationUpdate, IDField: "order_edit.order_id"},
		{Topic: "orders/cancelled", Kind: core.EntityKindOrder, Operation: core.OperationUpdate},
		{Topic: "orders/fulfilled", Kind: core.EntityKindOrder, Operation: core.OperationUpdate},
		{Topic: "orders/paid", Kind: core.EntityKindOrder, Operation: core.OperationUpdate},
		{Topic: "orders/delete", Kind: core.EntityKindOrder, Operation: core.OperationDelete},
		{Topic: "customers/create", Kind: core.EntityKindCustomer, Operation: core.OperationCreate},
		{Topic: "customers/update", Kind: core.EntityKindCustomer, Operation: core.OperationUpdate},
		{Topic: "customers/delete", Kind: core.EntityKindCustomer, Operation: core.OperationDelete},
		{Topic: "inventory_levels/update", Kind: core.EntityKindInventory, Operation: core.OperationUpdate, IDField: "inventory_item_id"},
		{Topic: "inventory_levels/connect", Kind: core.EntityKindInventory, Operation: core.OperationCreate, IDField: "inventory_item_id"},
		{Topic: "inventory_levels/disconnect", Kind: core.EntityKindInventory, Operation: core.OperationDelete, IDField: "inventory_item_id"},
		{Topic: "products/create", Kind: core.EntityKindPricing, Operation: core.OperationCreate},
		{Topic: "products/update", Kind: core.EntityKindPricing, Operation: core.OperationUpdate},
		{Topic: "products/delete", Kind: core.EntityKindPricing, Operation: core.OperationDelete},
		{Topic: "draft_orders/create", Kind: core.EntityKindInvoice, Operation: core.OperationCreate},
		{Topic: "draft_orders/update", Kind: core.EntityKindInvoice, Operation: core.OperationUpdate},
		{Topic: "draft_orders/delete", Kind: core.EntityKindInvoice, Operation: core.OperationDelete},
	}
}

// NewTranslator builds an inbox router for bindings, DefaultTopics when
// none are given.
func NewTranslator(bindings ...TopicBinding) (*inbox.TopicRouter, error) {
	if len(bindings) == 0 {
		bindings = DefaultTopics()
	}
	router := inbox.NewTopicRouter()
	for _, binding := range bindings {
		if !binding.Operation.Valid() {
			return nil, fmt.Errorf("providers/shopify: topic %q has invalid operation %q", binding.Topic, binding.Operation)
		}
		if err := router.Register(binding.Topic, bindingTranslator{binding: binding}); err != nil {
			return nil, err
		}
	}
	return router, nil
}

type bindingTranslator struct {
	binding TopicBinding
}

func (t bindingTranslator) Translate(_ context.Context, event core.InboxEvent) ([]core.NewTask, error) {
	payload, err := inbox.DecodeObject(event.Payload)
	if err != nil {
		return nil, err
	}
	field := strings.TrimSpace(t.binding.IDField)
	if field == "" {
		field = "id"
	}
	externalID := nestedID(payload, field)
	if externalID == "" {
		return nil, fmt.Errorf("providers/shopify: %s payload field %q is required", t.binding.Topic, field)
	}
	payload["shopify_topic"] = strings.TrimSpace(event.Topic)
	return []core.NewTask{{
		EntityKind:       t.binding.Kind,
		EntityExternalID: externalID,
		Operation:        t.binding.Operation,
		Payload:          payload,
	}}, nil
}

// nestedID resolves dotted paths such as "order_edit.order_id".
func nestedID(payload map[string]any, path string) string {
	parts := strings.Split(path, ".")
	current := payload
	for i, part := range parts {
		if i == len(parts)-1 {
			return inbox.ExternalID(current, part)
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return ""
		}
		current = next
	}
	return ""
}
