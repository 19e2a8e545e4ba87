package syncpipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-syncpipe/adapters/gologger"
	"github.com/goliatone/go-syncpipe/adapters/prometheus"
	"github.com/goliatone/go-syncpipe/breaker"
	"github.com/goliatone/go-syncpipe/command"
	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/deadletter"
	"github.com/goliatone/go-syncpipe/inbox"
	redislock "github.com/goliatone/go-syncpipe/locks/redis"
	"github.com/goliatone/go-syncpipe/outbox"
	"github.com/goliatone/go-syncpipe/processor"
	"github.com/goliatone/go-syncpipe/ratelimit"
	"github.com/goliatone/go-syncpipe/reconcile"
	"github.com/goliatone/go-syncpipe/store/memory"
	"github.com/goliatone/go-syncpipe/worker"
)

// ErrReconcileDisabled is returned by RunReconciliation when no remote
// client was configured.
var ErrReconcileDisabled = errors.New("syncpipe: reconciliation requires a remote client")

// Pipeline owns every runtime component and the stores they share.
type Pipeline struct {
	config         Config
	logger         core.Logger
	loggerProvider core.LoggerProvider
	observer       core.Observer
	metrics        core.MetricsRecorder
	errorMapper    ErrorMapper

	stores      StoreSet
	locker      core.EntityLocker
	remote      core.RemoteClient
	breaker     core.Breaker
	limiter     *ratelimit.Limiter
	guard       *core.OutboundGuard
	inbox       *inbox.Inbox
	processors  *processor.Registry
	dispatcher  *worker.Dispatcher
	router      *outbox.Router
	outbox      *outbox.Processor
	publisher   *outbox.Publisher
	deadLetters *deadletter.Service
	reconciler  *reconcile.Engine
	extensions  *ExtensionHooks
	now         func() time.Time

	closers []func() error
}

func New(cfg Config, opts ...Option) (*Pipeline, error) {
	builder := pipelineBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := gologger.Resolve(gologger.RootLoggerName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)

	if builder.errorMapper == nil {
		builder.errorMapper = core.DefaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = core.GoOptionsResolver{}
	}

	finalConfig, err := core.ResolveConfig(context.Background(), builder.runtimeConfig, builder.configProvider, builder.optionsResolver)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	p := &Pipeline{
		config:         finalConfig,
		logger:         logger,
		loggerProvider: provider,
		errorMapper:    builder.errorMapper,
		remote:         builder.remote,
		extensions:     builder.extensions,
		now:            builder.now,
	}

	var promRecorder *prometheus.Recorder
	if builder.metricsRecorder == nil && finalConfig.Metrics.Enabled {
		promRecorder = prometheus.NewRecorder(prom.NewRegistry(), prometheus.WithNamespace(finalConfig.Metrics.Namespace))
		builder.metricsRecorder = promRecorder
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = core.NopMetricsRecorder{}
	}
	p.metrics = builder.metricsRecorder
	p.observer = core.NewObserver(logger, builder.metricsRecorder)

	if err := p.buildStores(&builder); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if err := p.buildResilience(&builder); err != nil {
		p.closeQuietly()
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if err := p.buildRuntime(&builder); err != nil {
		p.closeQuietly()
		return nil, mapBuildError(builder.errorMapper, err)
	}

	p.observer.LogInfo(context.Background(), "syncpipe pipeline ready", map[string]any{
		"service_name":      finalConfig.ServiceName,
		"worker_id":         p.dispatcher.WorkerID,
		"breaker_backend":   finalConfig.Breaker.Backend,
		"rate_limit":        finalConfig.RateLimit.Backend,
		"lock_backend":      finalConfig.Locks.Backend,
		"processor_kinds":   len(p.processors.Kinds()),
		"reconcile_enabled": p.reconciler != nil,
		"metrics_exposed":   promRecorder != nil,
	})
	return p, nil
}

func (p *Pipeline) buildStores(b *pipelineBuilder) error {
	switch {
	case b.stores != nil:
		p.stores = *b.stores
	case b.repositoryFactory != nil:
		stores, err := storesFromFactory(b.repositoryFactory, b.persistenceClient)
		if err != nil {
			return err
		}
		p.stores = stores
	default:
		store := memory.New()
		if b.now != nil {
			store.Now = utc(b.now)
		}
		p.stores = store.Stores()
	}
	if err := p.stores.Validate(); err != nil {
		return err
	}

	if b.breakerStore == nil {
		if provider, ok := b.repositoryFactory.(interface{ BreakerStateStore() breaker.StateStore }); ok {
			b.breakerStore = provider.BreakerStateStore()
		}
	}
	if b.breakerStore == nil {
		b.breakerStore = breaker.NewMemoryStateStore()
	}
	if b.rateLimitStore == nil {
		if provider, ok := b.repositoryFactory.(interface{ RateLimitStateStore() ratelimit.StateStore }); ok {
			b.rateLimitStore = provider.RateLimitStateStore()
		}
	}
	if b.rateLimitStore == nil {
		b.rateLimitStore = ratelimit.NewMemoryStateStore()
	}
	return nil
}

// storesFromFactory mirrors how persistence factories are resolved: a
// BuildStores factory wins over a plain store provider.
func storesFromFactory(factory any, persistenceClient any) (StoreSet, error) {
	if storeFactory, ok := factory.(interface {
		BuildStores(persistenceClient any) (core.StoreProvider, error)
	}); ok {
		provider, err := storeFactory.BuildStores(persistenceClient)
		if err != nil {
			return StoreSet{}, err
		}
		if provider == nil {
			return StoreSet{}, fmt.Errorf("syncpipe: repository factory returned no stores")
		}
		return provider.Stores(), nil
	}
	if provider, ok := factory.(core.StoreProvider); ok {
		return provider.Stores(), nil
	}
	return StoreSet{}, fmt.Errorf("syncpipe: repository factory %T does not provide stores", factory)
}

func (p *Pipeline) buildResilience(b *pipelineBuilder) error {
	cfg := p.config

	p.locker = b.locker
	if p.locker == nil && strings.TrimSpace(cfg.Locks.Backend) == core.LockBackendRedis {
		locker, client, err := redislock.NewFromConfig(cfg.Locks)
		if err != nil {
			return err
		}
		p.locker = locker
		p.closers = append(p.closers, client.Close)
	}
	if p.locker == nil {
		p.locker = core.NewMemoryEntityLocker()
	}

	p.breaker = b.breaker
	if p.breaker == nil {
		cb, err := breaker.New(cfg.Breaker, b.breakerStore, p.observer)
		if err != nil {
			return err
		}
		if durable, ok := cb.(*breaker.Breaker); ok && b.now != nil {
			durable.Now = utc(b.now)
		}
		p.breaker = cb
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, b.rateLimitStore)
	if err != nil {
		return err
	}
	limiter.Logger = gologger.Component(p.loggerProvider, "ratelimit")
	if b.now != nil {
		limiter.Now = utc(b.now)
	}
	p.limiter = limiter
	p.guard = core.NewOutboundGuard(limiter, p.breaker, cfg.Outbound.Timeout)
	return nil
}

func (p *Pipeline) buildRuntime(b *pipelineBuilder) error {
	cfg := p.config
	now := b.now
	if now == nil {
		now = time.Now
	}

	translator := b.translator
	if p.extensions.hasTranslators() {
		router, ok := translator.(*inbox.TopicRouter)
		if translator == nil {
			router, ok = inbox.NewTopicRouter(), true
		}
		if !ok {
			return fmt.Errorf("syncpipe: translator packs require an *inbox.TopicRouter, got %T", translator)
		}
		if err := p.extensions.ApplyTranslatorPacks(router); err != nil {
			return err
		}
		translator = router
	}
	in, err := inbox.New(p.stores.Inbox, translator, cfg.Inbox)
	if err != nil {
		return err
	}
	in.Observer = p.observer
	in.Now = utc(now)
	p.inbox = in

	overrides := append([]processor.Processor(nil), b.processors...)
	overrides = append(overrides, p.extensions.Processors()...)
	registry, err := processor.DefaultRegistry(processor.Options{
		Store:            p.stores.Entities,
		Remote:           p.remote,
		Guard:            p.guard,
		Target:           cfg.Outbound.Target,
		Confirm:          cfg.Outbound.Confirm && p.remote != nil,
		OutboxMaxRetries: cfg.Outbox.MaxRetries,
		Now:              now,
		Observer:         p.observer,
	}, overrides...)
	if err != nil {
		return err
	}
	p.processors = registry

	dispatcher, err := worker.NewDispatcher(worker.Dependencies{
		Queue:       p.stores.Queue,
		DeadLetters: p.stores.DeadLetters,
		Inbox:       p.stores.Inbox,
		Processor:   registry,
		Locker:      p.locker,
		Observer:    p.observer,
		Hooks:       b.workerHooks,
	}, cfg)
	if err != nil {
		return err
	}
	dispatcher.Now = now
	p.dispatcher = dispatcher

	p.router = outbox.NewRouter()
	for _, sub := range b.subscriptions {
		if err := p.router.Subscribe(sub.pattern, sub.name, sub.subscriber); err != nil {
			return err
		}
	}
	if err := p.extensions.ApplySubscriberPacks(p.router); err != nil {
		return err
	}
	drain, err := outbox.NewProcessor(p.stores.Outbox, p.router, cfg, p.observer)
	if err != nil {
		return err
	}
	drain.Now = now
	p.outbox = drain
	publisher, err := outbox.NewPublisher(p.stores.Outbox, cfg.Outbox.MaxRetries)
	if err != nil {
		return err
	}
	p.publisher = publisher

	deadLetters, err := deadletter.NewService(p.stores.DeadLetters, p.observer)
	if err != nil {
		return err
	}
	deadLetters.Now = now
	p.deadLetters = deadLetters

	if p.remote != nil {
		engine, err := reconcile.NewEngine(p.stores.Entities, guardedRemote{remote: p.remote, guard: p.guard, target: cfg.Outbound.Target}, p.stores.Reports, p.stores.Queue, cfg.Reconcile, p.observer)
		if err != nil {
			return err
		}
		for _, spec := range processor.Specs() {
			engine.IDFields[spec.Kind] = spec.IDField
		}
		engine.Now = now
		p.reconciler = engine
	}
	return nil
}

// guardedRemote sends reconciliation reads through the same limiter and
// breaker as processor pushes.
type guardedRemote struct {
	remote core.RemoteClient
	guard  *core.OutboundGuard
	target string
}

func (g guardedRemote) Fetch(ctx context.Context, kind core.EntityKind, cursor string) (page core.RemotePage, err error) {
	err = g.guard.Call(ctx, g.targetName(), func(ctx context.Context) error {
		page, err = g.remote.Fetch(ctx, kind, cursor)
		return err
	})
	return page, err
}

func (g guardedRemote) Push(ctx context.Context, kind core.EntityKind, payload map[string]any) (ack core.PushAck, err error) {
	err = g.guard.Call(ctx, g.targetName(), func(ctx context.Context) error {
		ack, err = g.remote.Push(ctx, kind, payload)
		return err
	})
	return ack, err
}

func (g guardedRemote) targetName() string {
	if target := strings.TrimSpace(g.target); target != "" {
		return target
	}
	return core.DefaultConfig().Outbound.Target
}

func (p *Pipeline) SubmitWebhook(ctx context.Context, event core.IncomingEvent) (core.SubmitResult, error) {
	return p.inbox.Submit(ctx, event)
}

// Submit lets the pipeline back transport.WebhookHandler directly.
func (p *Pipeline) Submit(ctx context.Context, event core.IncomingEvent) (core.SubmitResult, error) {
	return p.SubmitWebhook(ctx, event)
}

func (p *Pipeline) EnqueueTask(ctx context.Context, task core.NewTask) (core.SyncTask, error) {
	task.EntityKind = task.EntityKind.Normalize()
	task.EntityExternalID = strings.TrimSpace(task.EntityExternalID)
	if task.EntityKind == "" || task.EntityExternalID == "" {
		return core.SyncTask{}, core.ValidationError("entity", "entity kind and external id are required")
	}
	if !task.Operation.Valid() {
		return core.SyncTask{}, core.ValidationError("operation", fmt.Sprintf("operation %q is invalid", task.Operation))
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = p.config.Inbox.DefaultMaxAttempts
	}
	tasks, err := p.stores.Queue.Enqueue(ctx, task)
	if err != nil {
		return core.SyncTask{}, err
	}
	if len(tasks) == 0 {
		return core.SyncTask{}, fmt.Errorf("syncpipe: enqueue returned no task")
	}
	return tasks[0], nil
}

func (p *Pipeline) RunWorkerOnce(ctx context.Context) (worker.RunStats, error) {
	return p.dispatcher.RunOnce(ctx)
}

func (p *Pipeline) DrainOutbox(ctx context.Context, batchSize int) (outbox.DrainStats, error) {
	return p.outbox.DrainPending(ctx, batchSize)
}

// RunReconciliation compares kind, or every configured kind when kind is
// empty.
func (p *Pipeline) RunReconciliation(ctx context.Context, kind core.EntityKind) ([]core.ReconciliationReport, error) {
	if p.reconciler == nil {
		return nil, ErrReconcileDisabled
	}
	if kind = kind.Normalize(); kind == "" {
		return p.reconciler.RunOnce(ctx)
	}
	report, err := p.reconciler.Compare(ctx, kind)
	if err != nil {
		return nil, err
	}
	return []core.ReconciliationReport{report}, nil
}

func (p *Pipeline) ReplayDeadLetter(ctx context.Context, id string, options deadletter.ReplayOptions) (command.ReplayResult, error) {
	entry, task, err := p.deadLetters.Replay(ctx, id, options)
	if err != nil {
		return command.ReplayResult{}, err
	}
	return command.ReplayResult{Entry: entry, Task: task}, nil
}

func (p *Pipeline) ArchiveDeadLetter(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	return p.deadLetters.Archive(ctx, id)
}

// Readers returns the read side used by the query facade.
func (p *Pipeline) Readers() Readers {
	return Readers{
		Tasks:          p.stores.Queue,
		InboxEvents:    p.stores.Inbox,
		OutboxEvents:   p.stores.Outbox,
		DeadLetters:    p.deadLetters,
		Reports:        p.stores.Reports,
		BreakerStates:  p.breaker,
		RateLimitState: p.limiter,
	}
}

// Schedule sets the periodic passes Run drives next to the worker loop. A
// zero interval disables that pass.
type Schedule struct {
	OutboxInterval    time.Duration
	ReconcileInterval time.Duration
}

// Run drives the worker loop and the scheduled passes until ctx is done.
func (p *Pipeline) Run(ctx context.Context, schedule Schedule) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.dispatcher.Run(ctx)
	})
	if schedule.OutboxInterval > 0 {
		group.Go(func() error {
			return p.every(ctx, "outbox.drain", schedule.OutboxInterval, func(ctx context.Context) error {
				_, err := p.outbox.RunOnce(ctx)
				return err
			})
		})
	}
	if schedule.ReconcileInterval > 0 && p.reconciler != nil {
		group.Go(func() error {
			return p.every(ctx, "reconcile.run", schedule.ReconcileInterval, func(ctx context.Context) error {
				_, err := p.reconciler.RunOnce(ctx)
				return err
			})
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every runs pass at a fixed interval. Pass errors are logged; the next tick
// retries.
func (p *Pipeline) every(ctx context.Context, name string, interval time.Duration, pass func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pass(ctx); err != nil && ctx.Err() == nil {
				p.observer.LogWarn(ctx, "scheduled pass failed", map[string]any{"pass": name, "error": err.Error()})
			}
		}
	}
}

// MetricsHandler exposes the prometheus registry when metrics.enabled built
// the default recorder or a *prometheus.Recorder was supplied.
func (p *Pipeline) MetricsHandler() (http.Handler, bool) {
	recorder, ok := p.metrics.(*prometheus.Recorder)
	if !ok {
		return nil, false
	}
	return recorder.Handler(), true
}

func (p *Pipeline) Close() error {
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, p.closers[i]())
	}
	p.closers = nil
	return err
}

func (p *Pipeline) closeQuietly() {
	_ = p.Close()
}

func (p *Pipeline) Config() Config {
	return p.config
}

func (p *Pipeline) Observer() core.Observer {
	return p.observer
}

func (p *Pipeline) Logger() core.Logger {
	return p.logger
}

func (p *Pipeline) LoggerProvider() core.LoggerProvider {
	return p.loggerProvider
}

func (p *Pipeline) Stores() StoreSet {
	return p.stores
}

func (p *Pipeline) Inbox() *inbox.Inbox {
	return p.inbox
}

func (p *Pipeline) Dispatcher() *worker.Dispatcher {
	return p.dispatcher
}

func (p *Pipeline) Processors() *processor.Registry {
	return p.processors
}

func (p *Pipeline) OutboxRouter() *outbox.Router {
	return p.router
}

func (p *Pipeline) OutboxProcessor() *outbox.Processor {
	return p.outbox
}

func (p *Pipeline) Publisher() *outbox.Publisher {
	return p.publisher
}

func (p *Pipeline) DeadLetters() *deadletter.Service {
	return p.deadLetters
}

func (p *Pipeline) Reconciler() *reconcile.Engine {
	return p.reconciler
}

func (p *Pipeline) Breaker() core.Breaker {
	return p.breaker
}

func (p *Pipeline) Limiter() *ratelimit.Limiter {
	return p.limiter
}

func (p *Pipeline) Guard() *core.OutboundGuard {
	return p.guard
}

func (p *Pipeline) Extensions() *ExtensionHooks {
	return p.extensions
}


func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func utc(now func() time.Time) func() time.Time {
	return func() time.Time { return now().UTC() }
}

var _ command.MutatingService = (*Pipeline)(nil)
