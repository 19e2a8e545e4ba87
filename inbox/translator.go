package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-syncpipe/core"
)

var ErrNoTranslator = errors.New("inbox: no translator registered for topic")

// Translator maps an accepted inbox event onto zero or more sync tasks.
type Translator interface {
	Translate(ctx context.Context, event core.InboxEvent) ([]core.NewTask, error)
}

type TranslatorFunc func(ctx context.Context, event core.InboxEvent) ([]core.NewTask, error)

func (f TranslatorFunc) Translate(ctx context.Context, event core.InboxEvent) ([]core.NewTask, error) {
	return f(ctx, event)
}

// TopicRouter dispatches to the translator registered for the event topic.
type TopicRouter struct {
	mu          sync.RWMutex
	translators map[string]Translator
	fallback    Translator
}

func NewTopicRouter() *TopicRouter {
	return &TopicRouter{translators: map[string]Translator{}}
}

func (r *TopicRouter) Register(topic string, translator Translator) error {
	topic = normalizeTopic(topic)
	if topic == "" {
		return fmt.Errorf("inbox: topic is required")
	}
	if translator == nil {
		return fmt.Errorf("inbox: translator is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.translators == nil {
		r.translators = map[string]Translator{}
	}
	r.translators[topic] = translator
	return nil
}

// Fallback sets the translator used for topics without a registration.
func (r *TopicRouter) Fallback(translator Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = translator
}

func (r *TopicRouter) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.translators))
	for topic := range r.translators {
		topics = append(topics, topic)
	}
	return topics
}

func (r *TopicRouter) Translate(ctx context.Context, event core.InboxEvent) ([]core.NewTask, error) {
	if r == nil {
		return nil, ErrNoTranslator
	}
	r.mu.RLock()
	translator, ok := r.translators[normalizeTopic(event.Topic)]
	if !ok {
		translator = r.fallback
	}
	r.mu.RUnlock()
	if translator == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoTranslator, event.Topic)
	}
	return translator.Translate(ctx, event)
}

// EntityTranslator decodes a JSON object payload into a single task for Kind.
// The external id is read from IDField, "id" by default.
type EntityTranslator struct {
	Kind      core.EntityKind
	Operation core.Operation
	IDField   string
	Priority  int
}

func NewEntityTranslator(kind core.EntityKind, operation core.Operation) EntityTranslator {
	return EntityTranslator{Kind: kind, Operation: operation, IDField: "id"}
}

func (t EntityTranslator) Translate(_ context.Context, event core.InboxEvent) ([]core.NewTask, error) {
	payload, err := DecodeObject(event.Payload)
	if err != nil {
		return nil, err
	}
	field := strings.TrimSpace(t.IDField)
	if field == "" {
		field = "id"
	}
	externalID := ExternalID(payload, field)
	if externalID == "" {
		return nil, fmt.Errorf("inbox: payload field %q is required", field)
	}
	return []core.NewTask{{
		EntityKind:       t.Kind,
		EntityExternalID: externalID,
		Operation:        t.Operation,
		Payload:          payload,
		Priority:         t.Priority,
	}}, nil
}

// DecodeObject parses a JSON object payload preserving number precision.
func DecodeObject(payload []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var out map[string]any
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("inbox: payload is not a json object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("inbox: payload is not a json object")
	}
	return out, nil
}

// ExternalID renders payload[field] as a stable string id.
func ExternalID(payload map[string]any, field string) string {
	value, ok := payload[field]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(strings.ToLower(topic))
}

var (
	_ Translator = (*TopicRouter)(nil)
	_ Translator = EntityTranslator{}
)
