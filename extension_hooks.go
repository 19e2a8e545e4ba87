package syncpipe

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/inbox"
	"github.com/goliatone/go-syncpipe/outbox"
	"github.com/goliatone/go-syncpipe/processor"
)

// ProcessorPack contributes entity processors. A processor for a built-in
// kind replaces the built-in one.
type ProcessorPack struct {
	Name       string
	Processors []processor.Processor
}

// SubscriberPack routes outbox topics matching Pattern to each named
// subscriber.
type SubscriberPack struct {
	Name        string
	Pattern     string
	Subscribers map[string]core.Subscriber
}

// TranslatorPack maps webhook topics to task translators.
type TranslatorPack struct {
	Name   string
	Topics map[string]inbox.Translator
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	processorPacks  map[string]ProcessorPack
	subscriberPacks map[string]SubscriberPack
	translatorPacks map[string]TranslatorPack
	bundles         map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		processorPacks:  map[string]ProcessorPack{},
		subscriberPacks: map[string]SubscriberPack{},
		translatorPacks: map[string]TranslatorPack{},
		bundles:         map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterProcessorPack(pack ProcessorPack) error {
	if h == nil {
		return fmt.Errorf("syncpipe: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("syncpipe: processor pack name is required")
	}
	if len(pack.Processors) == 0 {
		return fmt.Errorf("syncpipe: processor pack %q has no processors", name)
	}
	for _, p := range pack.Processors {
		if p == nil {
			return fmt.Errorf("syncpipe: processor pack %q contains nil processor", name)
		}
	}
	normalized := ProcessorPack{
		Name:       name,
		Processors: append([]processor.Processor(nil), pack.Processors...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.processorPacks[name]; exists {
		return fmt.Errorf("syncpipe: processor pack %q already registered", name)
	}
	h.ensureMaps()
	h.processorPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterSubscriberPack(pack SubscriberPack) error {
	if h == nil {
		return fmt.Errorf("syncpipe: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	pattern := strings.TrimSpace(pack.Pattern)
	if name == "" {
		return fmt.Errorf("syncpipe: subscriber pack name is required")
	}
	if pattern == "" {
		return fmt.Errorf("syncpipe: subscriber pack %q pattern is required", name)
	}
	if len(pack.Subscribers) == 0 {
		return fmt.Errorf("syncpipe: subscriber pack %q has no subscribers", name)
	}
	normalized := SubscriberPack{
		Name:        name,
		Pattern:     pattern,
		Subscribers: make(map[string]core.Subscriber, len(pack.Subscribers)),
	}
	for subscriberName, subscriber := range pack.Subscribers {
		if subscriber == nil {
			return fmt.Errorf("syncpipe: subscriber pack %q contains nil subscriber %q", name, subscriberName)
		}
		normalized.Subscribers[strings.TrimSpace(subscriberName)] = subscriber
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subscriberPacks[name]; exists {
		return fmt.Errorf("syncpipe: subscriber pack %q already registered", name)
	}
	h.ensureMaps()
	h.subscriberPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterTranslatorPack(pack TranslatorPack) error {
	if h == nil {
		return fmt.Errorf("syncpipe: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("syncpipe: translator pack name is required")
	}
	if len(pack.Topics) == 0 {
		return fmt.Errorf("syncpipe: translator pack %q has no topics", name)
	}
	normalized := TranslatorPack{Name: name, Topics: make(map[string]inbox.Translator, len(pack.Topics))}
	for topic, translator := range pack.Topics {
		if translator == nil {
			return fmt.Errorf("syncpipe: translator pack %q contains nil translator for %q", name, topic)
		}
		normalized.Topics[topic] = translator
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.translatorPacks[name]; exists {
		return fmt.Errorf("syncpipe: translator pack %q already registered", name)
	}
	h.ensureMaps()
	h.translatorPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("syncpipe: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("syncpipe: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("syncpipe: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("syncpipe: command/query bundle %q already registered", name)
	}
	h.ensureMaps()
	h.bundles[name] = factory
	return nil
}

// Processors returns every pack processor in pack name order.
func (h *ExtensionHooks) Processors() []processor.Processor {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []processor.Processor{}
	for _, name := range sortedKeys(h.processorPacks) {
		out = append(out, h.processorPacks[name].Processors...)
	}
	return out
}

func (h *ExtensionHooks) ApplySubscriberPacks(router *outbox.Router) error {
	if h == nil {
		return nil
	}
	if router == nil {
		return fmt.Errorf("syncpipe: outbox router is required")
	}
	for _, pack := range h.SubscriberPacks() {
		for _, subscriberName := range sortedKeys(pack.Subscribers) {
			if err := router.Subscribe(pack.Pattern, subscriberName, pack.Subscribers[subscriberName]); err != nil {
				return fmt.Errorf("syncpipe: subscriber pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) ApplyTranslatorPacks(router *inbox.TopicRouter) error {
	if h == nil {
		return nil
	}
	if router == nil {
		return fmt.Errorf("syncpipe: translator router is required")
	}
	h.mu.RLock()
	packs := make([]TranslatorPack, 0, len(h.translatorPacks))
	for _, name := range sortedKeys(h.translatorPacks) {
		packs = append(packs, h.translatorPacks[name])
	}
	h.mu.RUnlock()

	for _, pack := range packs {
		for _, topic := range sortedKeys(pack.Topics) {
			if err := router.Register(topic, pack.Topics[topic]); err != nil {
				return fmt.Errorf("syncpipe: translator pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) hasTranslators() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.translatorPacks) > 0
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("syncpipe: command/query service is required")
	}

	h.mu.RLock()
	names := sortedKeys(h.bundles)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) SubscriberPacks() []SubscriberPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SubscriberPack, 0, len(h.subscriberPacks))
	for _, name := range sortedKeys(h.subscriberPacks) {
		out = append(out, h.subscriberPacks[name])
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bundles)
}

func (h *ExtensionHooks) ensureMaps() {
	if h.processorPacks == nil {
		h.processorPacks = map[string]ProcessorPack{}
	}
	if h.subscriberPacks == nil {
		h.subscriberPacks = map[string]SubscriberPack{}
	}
	if h.translatorPacks == nil {
		h.translatorPacks = map[string]TranslatorPack{}
	}
	if h.bundles == nil {
		h.bundles = map[string]CommandQueryBundleFactory{}
	}
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
