package gocommand

import (
	"context"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type queueMessage struct{}

func (queueMessage) Type() string { return "syncpipe.command.queue" }

type boundCommandMessage struct {
	ID string
}

func (boundCommandMessage) Type() string { return "syncpipe.command.bound" }

type boundQueryMessage struct {
	ID string
}

func (boundQueryMessage) Type() string { return "syncpipe.query.bound" }

func TestRegistryAdapterResolversRunOnce(t *testing.T) {
	adapter := NewRegistryAdapter(nil)
	calls := 0
	if err := adapter.AddResolver("audit", func(any, command.CommandMeta, *command.Registry) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if err := adapter.AddResolver("audit", func(any, command.CommandMeta, *command.Registry) error { return nil }); err == nil {
		t.Fatalf("expected duplicate resolver error")
	}
	if err := adapter.AddResolver(" ", nil); err == nil {
		t.Fatalf("expected blank resolver key error")
	}
	if err := adapter.Register(command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if calls == 0 {
		t.Fatalf("expected resolver to run during initialization")
	}
}

func TestExposeToQueueMirrorsCommands(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	if err := adapter.ExposeToQueue(queueRegistry); err != nil {
		t.Fatalf("expose to queue: %v", err)
	}
	if err := adapter.ExposeToQueue(nil); err == nil {
		t.Fatalf("expected nil queue registry error")
	}
	if err := adapter.Register(command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get("syncpipe.command.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

func TestBindingsRegisterAndRelease(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	bindings := NewBindings(adapter)
	defer bindings.Close()
	executed := 0

	if err := BindCommand(bindings, command.CommandFunc[boundCommandMessage](func(context.Context, boundCommandMessage) error {
		executed++
		return nil
	})); err != nil {
		t.Fatalf("bind command: %v", err)
	}
	if err := BindQuery(bindings, command.QueryFunc[boundQueryMessage, string](func(_ context.Context, msg boundQueryMessage) (string, error) {
		return "echo:" + msg.ID, nil
	})); err != nil {
		t.Fatalf("bind query: %v", err)
	}
	if bindings.Len() != 2 || bindings.Adapter() != adapter {
		t.Fatalf("expected two bindings on the adapter, got %d", bindings.Len())
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if err := Dispatch(context.Background(), boundCommandMessage{ID: "c1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	out, err := Query[boundQueryMessage, string](context.Background(), boundQueryMessage{ID: "q1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out != "echo:q1" || executed != 1 {
		t.Fatalf("unexpected results: out=%q executed=%d", out, executed)
	}

	bindings.Close()
	if bindings.Len() != 0 {
		t.Fatalf("expected bindings to be released")
	}
	if err := Dispatch(context.Background(), boundCommandMessage{ID: "c2"}); err == nil && executed != 1 {
		t.Fatalf("expected released command not to execute, executed=%d", executed)
	}
}

func TestBindRejectsMissingCollaborators(t *testing.T) {
	cmd := command.CommandFunc[boundCommandMessage](func(context.Context, boundCommandMessage) error { return nil })
	if err := BindCommand[boundCommandMessage](nil, cmd); err == nil {
		t.Fatalf("expected nil bindings to fail")
	}
	if err := BindCommand[boundCommandMessage](NewBindings(nil), cmd); err == nil {
		t.Fatalf("expected bindings without adapter to fail")
	}
	if err := BindQuery[boundQueryMessage, string](NewBindings(NewRegistryAdapter(nil)), nil); err == nil {
		t.Fatalf("expected nil query to fail")
	}
}
