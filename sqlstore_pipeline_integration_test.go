package syncpipe_test

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"testing"
	"time"

	command "github.com/goliatone/go-command"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	syncpipe "github.com/goliatone/go-syncpipe"
	"github.com/goliatone/go-syncpipe/adapters/gocommand"
	syncpipecommand "github.com/goliatone/go-syncpipe/command"
	"github.com/goliatone/go-syncpipe/core"
	syncmigrations "github.com/goliatone/go-syncpipe/migrations"
	"github.com/goliatone/go-syncpipe/providers/shopify"
	syncpipequery "github.com/goliatone/go-syncpipe/query"
	sqlstore "github.com/goliatone/go-syncpipe/store/sql"
)

type sqlitePersistenceConfig struct {
	dsn string
}

func (c sqlitePersistenceConfig) GetDebug() bool { return false }

func (c sqlitePersistenceConfig) GetDriver() string { return "sqlite3" }

func (c sqlitePersistenceConfig) GetServer() string { return c.dsn }

func (c sqlitePersistenceConfig) GetPingTimeout() time.Duration { return time.Second }

func (c sqlitePersistenceConfig) GetOtelIdentifier() string { return "go-syncpipe-pipeline-tests" }

func newMigratedSQLite(t *testing.T) *persistence.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:syncpipe-pipeline-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(sqlitePersistenceConfig{dsn: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if _, err := syncmigrations.RegisterDialect(ctx, syncmigrations.DialectSQLite, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return client
}

func TestSQLPipeline_WebhookToOutboxThroughCommandBus(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC) }
	client := newMigratedSQLite(t)
	translator, err := shopify.NewTranslator()
	if err != nil {
		t.Fatalf("translator: %v", err)
	}

	delivered := 0
	pipeline, err := syncpipe.New(syncpipe.DefaultConfig(),
		syncpipe.WithClock(now),
		syncpipe.WithRepositoryFactory(sqlstore.NewRepositoryFactory(sqlstore.WithClock(now))),
		syncpipe.WithPersistenceClient(client),
		syncpipe.WithTranslator(translator),
		syncpipe.WithSubscriber("orders.*", "counter", core.SubscriberFunc(func(context.Context, string, map[string]any) error {
			delivered++
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	defer pipeline.Close()

	facade, err := syncpipe.NewFacade(pipeline)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	bindings := gocommand.NewBindings(gocommand.NewRegistryAdapter(command.NewRegistry()))
	defer bindings.Close()
	if err := facade.Bind(bindings); err != nil {
		t.Fatalf("bind facade: %v", err)
	}

	ctx := context.Background()
	if err := gocommand.Dispatch(ctx, syncpipecommand.SubmitWebhookMessage{Event: core.IncomingEvent{
		Source:         shopify.SourceName,
		Topic:          "orders/paid",
		Payload:        []byte(`{"id":"5005","status":"PAID","currency":"eur"}`),
		IdempotencyKey: "delivery-5005",
	}}); err != nil {
		t.Fatalf("dispatch submit: %v", err)
	}
	if err := gocommand.Dispatch(ctx, syncpipecommand.RunWorkerOnceMessage{}); err != nil {
		t.Fatalf("dispatch run worker: %v", err)
	}
	if err := gocommand.Dispatch(ctx, syncpipecommand.DrainOutboxMessage{}); err != nil {
		t.Fatalf("dispatch drain: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected one subscriber delivery, got %d", delivered)
	}

	tasks, err := gocommand.Query[syncpipequery.ListTasksMessage, []core.SyncTask](ctx, syncpipequery.ListTasksMessage{
		Filter: core.TaskFilter{EntityKind: core.EntityKindOrder},
	})
	if err != nil {
		t.Fatalf("query tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != core.TaskStatusSucceeded {
		t.Fatalf("expected one succeeded task, got %+v", tasks)
	}

	entity, found, err := pipeline.Stores().Entities.Get(ctx, core.EntityKindOrder, "5005")
	if err != nil || !found {
		t.Fatalf("expected order persisted in sqlite, found=%v err=%v", found, err)
	}
	if entity.Fields["status"] != "paid" || entity.Fields["currency"] != "EUR" {
		t.Fatalf("expected normalized fields, got %#v", entity.Fields)
	}

	state, err := gocommand.Query[syncpipequery.GetBreakerStateMessage, core.BreakerState](ctx, syncpipequery.GetBreakerStateMessage{Target: "remote"})
	if err != nil {
		t.Fatalf("query breaker state: %v", err)
	}
	if state.Status != "" && state.Status != core.BreakerClosed {
		t.Fatalf("expected untouched breaker to read closed, got %+v", state)
	}
}
