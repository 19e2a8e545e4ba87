package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun/dialect/pgdialect"

	syncpipe "github.com/goliatone/go-syncpipe"
	"github.com/goliatone/go-syncpipe/core"
	syncmigrations "github.com/goliatone/go-syncpipe/migrations"
	"github.com/goliatone/go-syncpipe/providers/shopify"
	sqlstore "github.com/goliatone/go-syncpipe/store/sql"
)

func main() {
	configPath := flag.String("config", os.Getenv("SYNCPIPE_CONFIG"), "path to the YAML config file")
	migrateOnly := flag.Bool("migrate-only", false, "apply migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *migrateOnly); err != nil {
		log.Fatalf("syncpiped: %v", err)
	}
}

func run(ctx context.Context, configPath string, migrateOnly bool) error {
	cfg, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		return err
	}

	opts := []syncpipe.Option{
		syncpipe.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: cfg.pipeline})),
	}

	if dsn := strings.TrimSpace(cfg.daemon.DatabaseDSN); dsn != "" {
		client, err := openPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		defer client.Close()
		if migrateOnly {
			log.Printf("syncpiped: migrations applied")
			return nil
		}
		opts = append(opts,
			syncpipe.WithRepositoryFactory(sqlstore.NewRepositoryFactory()),
			syncpipe.WithPersistenceClient(client),
		)
	} else if migrateOnly {
		return fmt.Errorf("database_dsn is required to migrate")
	}

	if cfg.daemon.Shopify.enabled() {
		shopifyOpts, err := syncpipe.ShopifyOptions(shopify.Config{
			ShopDomain:  cfg.daemon.Shopify.ShopDomain,
			AccessToken: cfg.daemon.Shopify.AccessToken,
			APIVersion:  cfg.daemon.Shopify.APIVersion,
		}, nil)
		if err != nil {
			return err
		}
		opts = append(opts, shopifyOpts...)
	}

	pipeline, err := syncpipe.New(syncpipe.DefaultConfig(), opts...)
	if err != nil {
		return err
	}
	defer pipeline.Close()
	logger := pipeline.Logger()

	mux := http.NewServeMux()
	if cfg.daemon.Shopify.enabled() {
		webhookCfg := shopify.DefaultWebhookConfig(cfg.daemon.Shopify.WebhookSecret)
		webhookCfg.ShopDomain = cfg.daemon.Shopify.ShopDomain
		if cfg.daemon.Shopify.ReplayWindow > 0 {
			webhookCfg.ReplayWindow = cfg.daemon.Shopify.ReplayWindow
		}
		handler, err := pipeline.WebhookHandler(webhookCfg)
		if err != nil {
			return err
		}
		handler.Routes(mux)
	}
	if metrics, ok := pipeline.MetricsHandler(); ok {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              cfg.daemon.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("syncpiped listening", "addr", cfg.daemon.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() {
		runErr <- pipeline.Run(runCtx, syncpipe.Schedule{
			OutboxInterval:    cfg.daemon.OutboxInterval,
			ReconcileInterval: cfg.daemon.ReconcileInterval,
		})
	}()

	var failure error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		failure = err
	case err := <-runErr:
		failure = err
		runErr = nil
	}

	logger.Info("syncpiped shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.daemon.ShutdownTimeout)
	defer cancel()
	failure = errors.Join(failure, server.Shutdown(shutdownCtx))
	cancelRun()
	if runErr != nil {
		failure = errors.Join(failure, <-runErr)
	}
	return failure
}

type postgresConfig struct {
	dsn string
}

func (c postgresConfig) GetDebug() bool { return false }

func (c postgresConfig) GetDriver() string { return "postgres" }

func (c postgresConfig) GetServer() string { return c.dsn }

func (c postgresConfig) GetPingTimeout() time.Duration { return 5 * time.Second }

func (c postgresConfig) GetOtelIdentifier() string { return "syncpiped" }

func openPostgres(ctx context.Context, dsn string) (*persistence.Client, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	client, err := persistence.New(postgresConfig{dsn: dsn}, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	if _, err := syncmigrations.RegisterDialect(ctx, syncmigrations.DialectPostgres, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}
