package syncpipe

import (
	"fmt"

	"github.com/goliatone/go-syncpipe/adapters/gocommand"
	syncpipecommand "github.com/goliatone/go-syncpipe/command"
	syncpipequery "github.com/goliatone/go-syncpipe/query"
)

// Readers is the read side of a pipeline. Nil readers leave their queries
// returning a dependency error.
type Readers struct {
	Tasks          syncpipequery.TaskReader
	InboxEvents    syncpipequery.InboxEventReader
	OutboxEvents   syncpipequery.OutboxEventReader
	DeadLetters    syncpipequery.DeadLetterReader
	Reports        syncpipequery.ReportReader
	BreakerStates  syncpipequery.BreakerStateReader
	RateLimitState syncpipequery.RateLimitStateReader
}

type CommandQueryService interface {
	syncpipecommand.MutatingService
	Readers() Readers
}

type Commands struct {
	SubmitWebhook     *syncpipecommand.SubmitWebhookCommand
	EnqueueTask       *syncpipecommand.EnqueueTaskCommand
	RunWorkerOnce     *syncpipecommand.RunWorkerOnceCommand
	DrainOutbox       *syncpipecommand.DrainOutboxCommand
	RunReconciliation *syncpipecommand.RunReconciliationCommand
	ReplayDeadLetter  *syncpipecommand.ReplayDeadLetterCommand
	ArchiveDeadLetter *syncpipecommand.ArchiveDeadLetterCommand
}

type Queries struct {
	GetTask           *syncpipequery.GetTaskQuery
	ListTasks         *syncpipequery.ListTasksQuery
	GetInboxEvent     *syncpipequery.GetInboxEventQuery
	GetOutboxEvent    *syncpipequery.GetOutboxEventQuery
	GetDeadLetter     *syncpipequery.GetDeadLetterQuery
	ListDeadLetters   *syncpipequery.ListDeadLettersQuery
	GetReport         *syncpipequery.GetReportQuery
	ListReports       *syncpipequery.ListReportsQuery
	GetBreakerState   *syncpipequery.GetBreakerStateQuery
	GetRateLimitState *syncpipequery.GetRateLimitStateQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	readers Readers
}

// WithReaders overrides the service readers field by field.
func WithReaders(readers Readers) FacadeOption {
	return func(options *facadeOptions) {
		options.readers = readers
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("syncpipe: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	readers := mergeReaders(service.Readers(), cfg.readers)

	facade := &Facade{service: service}
	facade.commands = Commands{
		SubmitWebhook:     syncpipecommand.NewSubmitWebhookCommand(service),
		EnqueueTask:       syncpipecommand.NewEnqueueTaskCommand(service),
		RunWorkerOnce:     syncpipecommand.NewRunWorkerOnceCommand(service),
		DrainOutbox:       syncpipecommand.NewDrainOutboxCommand(service),
		RunReconciliation: syncpipecommand.NewRunReconciliationCommand(service),
		ReplayDeadLetter:  syncpipecommand.NewReplayDeadLetterCommand(service),
		ArchiveDeadLetter: syncpipecommand.NewArchiveDeadLetterCommand(service),
	}
	facade.queries = Queries{
		GetTask:           syncpipequery.NewGetTaskQuery(readers.Tasks),
		ListTasks:         syncpipequery.NewListTasksQuery(readers.Tasks),
		GetInboxEvent:     syncpipequery.NewGetInboxEventQuery(readers.InboxEvents),
		GetOutboxEvent:    syncpipequery.NewGetOutboxEventQuery(readers.OutboxEvents),
		GetDeadLetter:     syncpipequery.NewGetDeadLetterQuery(readers.DeadLetters),
		ListDeadLetters:   syncpipequery.NewListDeadLettersQuery(readers.DeadLetters),
		GetReport:         syncpipequery.NewGetReportQuery(readers.Reports),
		ListReports:       syncpipequery.NewListReportsQuery(readers.Reports),
		GetBreakerState:   syncpipequery.NewGetBreakerStateQuery(readers.BreakerStates),
		GetRateLimitState: syncpipequery.NewGetRateLimitStateQuery(readers.RateLimitState),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// Bind registers every command and query with go-command. On failure the
// handlers bound so far are released.
func (f *Facade) Bind(bindings *gocommand.Bindings) error {
	if f == nil {
		return fmt.Errorf("syncpipe: facade is nil")
	}
	c, q := f.commands, f.queries
	steps := []func() error{
		func() error { return gocommand.BindCommand(bindings, c.SubmitWebhook) },
		func() error { return gocommand.BindCommand(bindings, c.EnqueueTask) },
		func() error { return gocommand.BindCommand(bindings, c.RunWorkerOnce) },
		func() error { return gocommand.BindCommand(bindings, c.DrainOutbox) },
		func() error { return gocommand.BindCommand(bindings, c.RunReconciliation) },
		func() error { return gocommand.BindCommand(bindings, c.ReplayDeadLetter) },
		func() error { return gocommand.BindCommand(bindings, c.ArchiveDeadLetter) },
		func() error { return gocommand.BindQuery(bindings, q.GetTask) },
		func() error { return gocommand.BindQuery(bindings, q.ListTasks) },
		func() error { return gocommand.BindQuery(bindings, q.GetInboxEvent) },
		func() error { return gocommand.BindQuery(bindings, q.GetOutboxEvent) },
		func() error { return gocommand.BindQuery(bindings, q.GetDeadLetter) },
		func() error { return gocommand.BindQuery(bindings, q.ListDeadLetters) },
		func() error { return gocommand.BindQuery(bindings, q.GetReport) },
		func() error { return gocommand.BindQuery(bindings, q.ListReports) },
		func() error { return gocommand.BindQuery(bindings, q.GetBreakerState) },
		func() error { return gocommand.BindQuery(bindings, q.GetRateLimitState) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func mergeReaders(base Readers, override Readers) Readers {
	if override.Tasks != nil {
		base.Tasks = override.Tasks
	}
	if override.InboxEvents != nil {
		base.InboxEvents = override.InboxEvents
	}
	if override.OutboxEvents != nil {
		base.OutboxEvents = override.OutboxEvents
	}
	if override.DeadLetters != nil {
		base.DeadLetters = override.DeadLetters
	}
	if override.Reports != nil {
		base.Reports = override.Reports
	}
	if override.BreakerStates != nil {
		base.BreakerStates = override.BreakerStates
	}
	if override.RateLimitState != nil {
		base.RateLimitState = override.RateLimitState
	}
	return base
}
