package processor

import (
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

// Spec binds an entity kind to its id field, schema and normalizer.
type Spec struct {
	Kind      core.EntityKind
	IDField   string
	Normalize Normalizer
}

// Specs lists the built-in entity kinds.
func Specs() []Spec {
	return []Spec{
		{Kind: core.EntityKindOrder, IDField: "id", Normalize: normalizeOrder},
		{Kind: core.EntityKindInvoice, IDField: "id", Normalize: normalizeInvoice},
		{Kind: core.EntityKindCustomer, IDField: "id", Normalize: normalizeCustomer},
		{Kind: core.EntityKindInventory, IDField: "sku"},
		{Kind: core.EntityKindPricing, IDField: "sku", Normalize: normalizePricing},
	}
}

// SpecFor returns the built-in spec for kind.
func SpecFor(kind core.EntityKind) (Spec, bool) {
	kind = kind.Normalize()
	for _, spec := range Specs() {
		if spec.Kind == kind {
			return spec, true
		}
	}
	return Spec{}, false
}

func NewOrderProcessor(options Options) (*EntityProcessor, error) {
	return newBuiltin(core.EntityKindOrder, options)
}

func NewInvoiceProcessor(options Options) (*EntityProcessor, error) {
	return newBuiltin(core.EntityKindInvoice, options)
}

func NewCustomerProcessor(options Options) (*EntityProcessor, error) {
	return newBuiltin(core.EntityKindCustomer, options)
}

func NewInventoryProcessor(options Options) (*EntityProcessor, error) {
	return newBuiltin(core.EntityKindInventory, options)
}

func NewPricingProcessor(options Options) (*EntityProcessor, error) {
	return newBuiltin(core.EntityKindPricing, options)
}

// DefaultRegistry registers a processor for every built-in kind. Overrides
// take the place of the built-in processor for their kind.
func DefaultRegistry(options Options, overrides ...Processor) (*Registry, error) {
	registry, err := NewRegistry(overrides...)
	if err != nil {
		return nil, err
	}
	for _, spec := range Specs() {
		if _, exists := registry.Resolve(spec.Kind); exists {
			continue
		}
		processor, err := newBuiltin(spec.Kind, options)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(processor); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newBuiltin(kind core.EntityKind, options Options) (*EntityProcessor, error) {
	spec, _ := SpecFor(kind)
	schema, err := LoadSchema(kind)
	if err != nil {
		return nil, err
	}
	return NewEntityProcessor(kind, spec.IDField, schema, spec.Normalize, options)
}

func normalizeOrder(fields map[string]any) map[string]any {
	lowerString(fields, "status")
	upperString(fields, "currency")
	return fields
}

func normalizeInvoice(fields map[string]any) map[string]any {
	upperString(fields, "currency")
	return fields
}

func normalizeCustomer(fields map[string]any) map[string]any {
	lowerString(fields, "email")
	return fields
}

func normalizePricing(fields map[string]any) map[string]any {
	upperString(fields, "currency")
	return fields
}

func lowerString(fields map[string]any, key string) {
	if value, ok := fields[key].(string); ok {
		fields[key] = strings.ToLower(strings.TrimSpace(value))
	}
}

func upperString(fields map[string]any, key string) {
	if value, ok := fields[key].(string); ok {
		fields[key] = strings.ToUpper(strings.TrimSpace(value))
	}
}
