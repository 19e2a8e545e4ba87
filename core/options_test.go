package core

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

func TestResolveConfig_Defaults(t *testing.T) {
	cfg, err := ResolveConfig(context.Background(), Config{}, nil, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ServiceName != "syncpipe" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Queue.LeaseDuration != 2*time.Minute {
		t.Fatalf("expected default lease, got %s", cfg.Queue.LeaseDuration)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestResolveConfig_RuntimeOverridesLoaded(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticRawConfigLoader{Values: map[string]any{
		"service_name": "from-config",
		"worker": map[string]any{
			"concurrency": 8,
		},
	}})
	cfg, err := ResolveConfig(context.Background(), Config{ServiceName: "runtime"}, provider, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ServiceName != "runtime" {
		t.Fatalf("expected runtime layer to win, got %q", cfg.ServiceName)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("expected loaded concurrency, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.BatchSize != 20 {
		t.Fatalf("expected default batch size to survive, got %d", cfg.Worker.BatchSize)
	}
}

func TestConfigValidate_RejectsBadBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Backend = "hystrix"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid breaker backend")
	}

	cfg = DefaultConfig()
	cfg.Locks.Backend = LockBackendRedis
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected redis backend to require an address")
	}

	cfg = DefaultConfig()
	cfg.Retry.Jitter = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected jitter bound to be enforced")
	}
}

func TestRateLimitFor_FallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig().RateLimit
	cfg.Targets = map[string]RateLimitTarget{"shopify": {Limit: 2, Window: time.Second, Burst: 2}}
	if got := cfg.RateLimitFor("Shopify"); got.Limit != 2 {
		t.Fatalf("expected target override, got %#v", got)
	}
	if got := cfg.RateLimitFor("erp"); got.Limit != 40 {
		t.Fatalf("expected default limit, got %#v", got)
	}
}

func TestYAMLConfigLoader(t *testing.T) {
	fsys := fstest.MapFS{
		"syncpipe.yaml": &fstest.MapFile{Data: []byte("service_name: erp-sync\nreconcile:\n  kinds: [orders, invoices]\n")},
	}
	loader := &YAMLConfigLoader{Path: "syncpipe.yaml", FS: fsys}
	raw, err := loader.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw["service_name"] != "erp-sync" {
		t.Fatalf("unexpected raw config %#v", raw)
	}

	missing := &YAMLConfigLoader{Path: "missing.yaml", FS: fsys}
	raw, err = missing.LoadRaw(context.Background())
	if err != nil || len(raw) != 0 {
		t.Fatalf("expected empty config for optional missing file, got %#v, %v", raw, err)
	}

	missing.Required = true
	if _, err := missing.LoadRaw(context.Background()); err == nil {
		t.Fatalf("expected required file error")
	}
}

func TestYAMLConfigLoader_FeedsProvider(t *testing.T) {
	fsys := fstest.MapFS{
		"syncpipe.yaml": &fstest.MapFile{Data: []byte("service_name: erp-sync\nreconcile:\n  kinds: [orders]\n  auto_heal: true\n")},
	}
	provider := NewCfgxConfigProvider(&YAMLConfigLoader{Path: "syncpipe.yaml", FS: fsys})
	cfg, err := ResolveConfig(context.Background(), Config{}, provider, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ServiceName != "erp-sync" || !cfg.Reconcile.AutoHeal {
		t.Fatalf("unexpected resolved config %#v", cfg.Reconcile)
	}
	if len(cfg.Reconcile.Kinds) != 1 || cfg.Reconcile.Kinds[0] != "orders" {
		t.Fatalf("unexpected kinds %#v", cfg.Reconcile.Kinds)
	}
}
