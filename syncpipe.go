package syncpipe

import (
	"time"

	"github.com/goliatone/go-syncpipe/breaker"
	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/inbox"
	"github.com/goliatone/go-syncpipe/processor"
	"github.com/goliatone/go-syncpipe/ratelimit"
	"github.com/goliatone/go-syncpipe/worker"
)

type Config = core.Config

type ErrorMapper = core.ErrorMapper

type StoreSet = core.StoreSet

type Option func(*pipelineBuilder)

type subscription struct {
	pattern    string
	name       string
	subscriber core.Subscriber
}

type pipelineBuilder struct {
	runtimeConfig     Config
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metricsRecorder   core.MetricsRecorder
	errorMapper       ErrorMapper
	configProvider    core.ConfigProvider
	optionsResolver   core.OptionsResolver
	persistenceClient any
	repositoryFactory any
	stores            *StoreSet
	locker            core.EntityLocker
	breakerStore      breaker.StateStore
	rateLimitStore    ratelimit.StateStore
	breaker           core.Breaker
	remote            core.RemoteClient
	translator        inbox.Translator
	subscriptions     []subscription
	processors        []processor.Processor
	workerHooks       worker.Hooks
	extensions        *ExtensionHooks
	now               func() time.Time
}

func WithLogger(logger core.Logger) Option {
	return func(b *pipelineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *pipelineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *pipelineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *pipelineBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *pipelineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *pipelineBuilder) {
		b.optionsResolver = resolver
	}
}

// WithPersistenceClient is handed to the repository factory's BuildStores.
func WithPersistenceClient(client any) Option {
	return func(b *pipelineBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a store/sql factory or any value exposing
// BuildStores(any) (core.StoreProvider, error) or Stores() core.StoreSet.
func WithRepositoryFactory(factory any) Option {
	return func(b *pipelineBuilder) {
		b.repositoryFactory = factory
	}
}

func WithStores(stores StoreSet) Option {
	return func(b *pipelineBuilder) {
		b.stores = &stores
	}
}

func WithEntityLocker(locker core.EntityLocker) Option {
	return func(b *pipelineBuilder) {
		b.locker = locker
	}
}

func WithBreakerStateStore(store breaker.StateStore) Option {
	return func(b *pipelineBuilder) {
		b.breakerStore = store
	}
}

func WithRateLimitStateStore(store ratelimit.StateStore) Option {
	return func(b *pipelineBuilder) {
		b.rateLimitStore = store
	}
}

// WithBreaker replaces the breaker selected by breaker.backend.
func WithBreaker(cb core.Breaker) Option {
	return func(b *pipelineBuilder) {
		b.breaker = cb
	}
}

func WithRemoteClient(remote core.RemoteClient) Option {
	return func(b *pipelineBuilder) {
		b.remote = remote
	}
}

func WithTranslator(translator inbox.Translator) Option {
	return func(b *pipelineBuilder) {
		b.translator = translator
	}
}

// WithSubscriber routes outbox topics matching pattern to subscriber.
func WithSubscriber(pattern string, name string, subscriber core.Subscriber) Option {
	return func(b *pipelineBuilder) {
		b.subscriptions = append(b.subscriptions, subscription{pattern: pattern, name: name, subscriber: subscriber})
	}
}

// WithProcessors replaces the built-in processors for the given kinds.
func WithProcessors(processors ...processor.Processor) Option {
	return func(b *pipelineBuilder) {
		b.processors = append(b.processors, processors...)
	}
}

func WithWorkerHooks(hooks worker.Hooks) Option {
	return func(b *pipelineBuilder) {
		b.workerHooks = hooks
	}
}

func WithExtensionHooks(hooks *ExtensionHooks) Option {
	return func(b *pipelineBuilder) {
		b.extensions = hooks
	}
}

// WithClock pins the clock of every component, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *pipelineBuilder) {
		b.now = now
	}
}

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Setup is an alias for New.
func Setup(cfg Config, opts ...Option) (*Pipeline, error) {
	return New(cfg, opts...)
}
