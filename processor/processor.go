package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-syncpipe/core"
)

// Processor applies one sync task for a single entity kind.
type Processor interface {
	Kind() core.EntityKind
	Apply(ctx context.Context, task core.SyncTask) core.Result
}

type Registry struct {
	mu         sync.RWMutex
	processors map[core.EntityKind]Processor
}

func NewRegistry(processors ...Processor) (*Registry, error) {
	registry := &Registry{processors: map[core.EntityKind]Processor{}}
	for _, processor := range processors {
		if err := registry.Register(processor); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(processor Processor) error {
	if r == nil {
		return fmt.Errorf("processor: registry is nil")
	}
	if processor == nil {
		return fmt.Errorf("processor: processor is required")
	}
	kind := processor.Kind().Normalize()
	if kind == "" {
		return fmt.Errorf("processor: entity kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processors == nil {
		r.processors = map[core.EntityKind]Processor{}
	}
	if _, exists := r.processors[kind]; exists {
		return fmt.Errorf("processor: kind %q already registered", kind)
	}
	r.processors[kind] = processor
	return nil
}

func (r *Registry) Resolve(kind core.EntityKind) (Processor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	processor, ok := r.processors[kind.Normalize()]
	return processor, ok
}

func (r *Registry) Kinds() []core.EntityKind {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]core.EntityKind, 0, len(r.processors))
	for kind := range r.processors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Apply routes task to the processor for its kind. An unknown kind is a
// permanent failure.
func (r *Registry) Apply(ctx context.Context, task core.SyncTask) core.Result {
	processor, ok := r.Resolve(task.EntityKind)
	if !ok {
		return core.PermanentFailure(
			"no processor registered",
			core.ValidationError("entity_kind", fmt.Sprintf("entity kind %q has no processor", task.EntityKind)),
		)
	}
	return processor.Apply(ctx, task)
}
