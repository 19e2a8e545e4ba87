package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

// Publisher appends events outside an entity transaction. Processors that
// change entities append through core.EntityTx instead.
type Publisher struct {
	Store      core.OutboxStore
	MaxRetries int
}

func NewPublisher(store core.OutboxStore, maxRetries int) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	return &Publisher{Store: store, MaxRetries: maxRetries}, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload map[string]any) (core.OutboxEvent, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return core.OutboxEvent{}, core.ValidationError("topic", "topic is required")
	}
	events, err := p.Store.Append(ctx, core.OutboxEvent{
		Topic:      topic,
		Payload:    core.CloneMap(payload),
		MaxRetries: p.MaxRetries,
	})
	if err != nil {
		return core.OutboxEvent{}, fmt.Errorf("outbox: publish %q: %w", topic, err)
	}
	if len(events) == 0 {
		return core.OutboxEvent{}, fmt.Errorf("outbox: publish %q: store returned no event", topic)
	}
	return events[0], nil
}
