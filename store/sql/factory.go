package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-syncpipe/breaker"
	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/ratelimit"
)

type FactoryOption func(*RepositoryFactory)

// WithClock sets the clock every store stamps rows with.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *RepositoryFactory) {
		if now != nil {
			f.now = now
		}
	}
}

func WithDefaultMaxAttempts(attempts int) FactoryOption {
	return func(f *RepositoryFactory) {
		if attempts > 0 {
			f.defaultMaxAttempts = attempts
		}
	}
}

func WithDefaultMaxRetries(retries int) FactoryOption {
	return func(f *RepositoryFactory) {
		if retries > 0 {
			f.defaultMaxRetries = retries
		}
	}
}

// WithStateCache puts breaker and rate-limit state reads behind cache.
func WithStateCache(cache repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.stateCache = cache
	}
}

type RepositoryFactory struct {
	db *bun.DB

	now                func() time.Time
	defaultMaxAttempts int
	defaultMaxRetries  int
	stateCache         repositorycache.CacheService

	inboxStore      *InboxStore
	queueStore      *QueueStore
	deadLetterStore *DeadLetterStore
	outboxStore     *OutboxStore
	reportStore     *ReportStore
	entityStore     *EntityStore
	breakerStore    breaker.StateStore
	rateLimitStore  ratelimit.StateStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{
		now:                time.Now,
		defaultMaxAttempts: core.DefaultRetryConfig().MaxAttempts,
		defaultMaxRetries:  core.DefaultConfig().Outbox.MaxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores resolves a *bun.DB from a persistence client and wires every
// store once.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.queueStore != nil && f.inboxStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) Stores() core.StoreSet {
	if f == nil {
		return core.StoreSet{}
	}
	return core.StoreSet{
		Inbox:       f.inboxStore,
		Queue:       f.queueStore,
		DeadLetters: f.deadLetterStore,
		Outbox:      f.outboxStore,
		Reports:     f.reportStore,
		Entities:    f.entityStore,
	}
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) InboxStore() *InboxStore {
	if f == nil {
		return nil
	}
	return f.inboxStore
}

func (f *RepositoryFactory) QueueStore() *QueueStore {
	if f == nil {
		return nil
	}
	return f.queueStore
}

func (f *RepositoryFactory) DeadLetterStore() *DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) OutboxStore() *OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) ReportStore() *ReportStore {
	if f == nil {
		return nil
	}
	return f.reportStore
}

func (f *RepositoryFactory) EntityStore() *EntityStore {
	if f == nil {
		return nil
	}
	return f.entityStore
}

func (f *RepositoryFactory) BreakerStateStore() breaker.StateStore {
	if f == nil {
		return nil
	}
	return f.breakerStore
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStore
}

func (f *RepositoryFactory) initStores() error {
	inboxStore, err := NewInboxStore(f.db)
	if err != nil {
		return err
	}
	inboxStore.Now = f.now
	inboxStore.DefaultMaxAttempts = f.defaultMaxAttempts
	f.inboxStore = inboxStore

	queueStore, err := NewQueueStore(f.db)
	if err != nil {
		return err
	}
	queueStore.Now = f.now
	queueStore.DefaultMaxAttempts = f.defaultMaxAttempts
	f.queueStore = queueStore

	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	deadLetterStore.DefaultMaxAttempts = f.defaultMaxAttempts
	f.deadLetterStore = deadLetterStore

	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	outboxStore.Now = f.now
	outboxStore.DefaultMaxRetries = f.defaultMaxRetries
	f.outboxStore = outboxStore

	reportStore, err := NewReportStore(f.db)
	if err != nil {
		return err
	}
	f.reportStore = reportStore

	entityStore, err := NewEntityStore(f.db, outboxStore)
	if err != nil {
		return err
	}
	entityStore.Now = f.now
	f.entityStore = entityStore

	breakerStore, err := NewBreakerStateStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.breakerStore = breakerStore
	f.rateLimitStore = rateLimitStore
	if f.stateCache != nil {
		cachedBreaker, err := NewCachedBreakerStateStore(breakerStore, f.stateCache)
		if err != nil {
			return err
		}
		cachedLimits, err := NewCachedRateLimitStateStore(rateLimitStore, f.stateCache)
		if err != nil {
			return err
		}
		f.breakerStore = cachedBreaker
		f.rateLimitStore = cachedLimits
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
