// Package gocommand binds the pipeline's command and query handlers to a
// go-command registry and its global dispatcher.
package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// QueueResolverKey is the resolver name ExposeToQueue registers under.
const QueueResolverKey = "queue"

type RegistryAdapter struct {
	registry *command.Registry

	mu          sync.Mutex
	initialized bool
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) ready() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return nil
}

// Register adds a command or query handler. go-command keeps both in the
// same registry.
func (a *RegistryAdapter) Register(handler any) error {
	if err := a.ready(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("gocommand: handler is required")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if err := a.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("gocommand: resolver key is required")
	}
	if a.registry.HasResolver(key) {
		return fmt.Errorf("gocommand: resolver %q already registered", key)
	}
	return a.registry.AddResolver(key, resolver)
}

// ExposeToQueue mirrors every registered handler into a go-job command
// registry, so queued jobs can dispatch pipeline commands by type.
func (a *RegistryAdapter) ExposeToQueue(queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(QueueResolverKey, jobqueuecommand.QueueResolver(queueRegistry))
}

// Initialize runs the registry resolvers once. Later calls are no-ops.
func (a *RegistryAdapter) Initialize() error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if err := a.registry.Initialize(); err != nil {
		return err
	}
	a.initialized = true
	return nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// Bindings owns the dispatcher subscriptions of one facade so they can be
// released together.
type Bindings struct {
	adapter       *RegistryAdapter
	runnerOpts    []runner.Option
	subscriptions []commanddispatcher.Subscription
}

func NewBindings(adapter *RegistryAdapter, runnerOpts ...runner.Option) *Bindings {
	return &Bindings{adapter: adapter, runnerOpts: runnerOpts}
}

func (b *Bindings) Adapter() *RegistryAdapter {
	if b == nil {
		return nil
	}
	return b.adapter
}

func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.subscriptions)
}

// Close unsubscribes every bound handler, newest first.
func (b *Bindings) Close() {
	if b == nil {
		return
	}
	for i := len(b.subscriptions) - 1; i >= 0; i-- {
		b.subscriptions[i].Unsubscribe()
	}
	b.subscriptions = nil
}

// BindCommand subscribes cmd on the dispatcher and registers it. On failure
// every handler bound so far is released.
func BindCommand[T any](b *Bindings, cmd command.Commander[T]) error {
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	return b.bind(cmd, func(opts []runner.Option) commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, opts...)
	})
}

func BindQuery[T any, R any](b *Bindings, qry command.Querier[T, R]) error {
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	return b.bind(qry, func(opts []runner.Option) commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, opts...)
	})
}

func (b *Bindings) bind(handler any, subscribe func([]runner.Option) commanddispatcher.Subscription) error {
	if b == nil {
		return fmt.Errorf("gocommand: bindings are required")
	}
	if err := b.adapter.ready(); err != nil {
		return err
	}
	subscription := subscribe(b.runnerOpts)
	if err := b.adapter.Register(handler); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		b.Close()
		return err
	}
	if subscription != nil {
		b.subscriptions = append(b.subscriptions, subscription)
	}
	return nil
}
