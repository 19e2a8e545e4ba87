package core

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

func DefaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return MapError(err)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	maps.Copy(out, l.Values)
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig runs defaults, the provider and the resolver in order.
func ResolveConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

type layer map[string]any

func (l layer) put(key string, value any, include bool) {
	if include {
		l[key] = value
	}
}

func (l layer) section(key string, child layer) {
	if len(child) > 0 {
		l[key] = map[string]any(child)
	}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := layer{}
	root.put("service_name", cfg.ServiceName, includeZero || strings.TrimSpace(cfg.ServiceName) != "")

	inbox := layer{}
	inbox.put("dedupe_window", cfg.Inbox.DedupeWindow, includeZero || cfg.Inbox.DedupeWindow != 0)
	inbox.put("default_max_attempts", cfg.Inbox.DefaultMaxAttempts, includeZero || cfg.Inbox.DefaultMaxAttempts != 0)
	inbox.put("max_payload_bytes", cfg.Inbox.MaxPayloadBytes, includeZero || cfg.Inbox.MaxPayloadBytes != 0)
	root.section("inbox", inbox)

	queue := layer{}
	queue.put("lease_duration", cfg.Queue.LeaseDuration, includeZero || cfg.Queue.LeaseDuration != 0)
	root.section("queue", queue)

	worker := layer{}
	worker.put("worker_id", cfg.Worker.WorkerID, includeZero || strings.TrimSpace(cfg.Worker.WorkerID) != "")
	worker.put("concurrency", cfg.Worker.Concurrency, includeZero || cfg.Worker.Concurrency != 0)
	worker.put("batch_size", cfg.Worker.BatchSize, includeZero || cfg.Worker.BatchSize != 0)
	worker.put("poll_interval", cfg.Worker.PollInterval, includeZero || cfg.Worker.PollInterval != 0)
	worker.put("lock_ttl", cfg.Worker.LockTTL, includeZero || cfg.Worker.LockTTL != 0)
	worker.put("contention_delay", cfg.Worker.ContentionDelay, includeZero || cfg.Worker.ContentionDelay != 0)
	worker.put("sweep_limit", cfg.Worker.SweepLimit, includeZero || cfg.Worker.SweepLimit != 0)
	root.section("worker", worker)

	retry := layer{}
	retry.put("base_delay", cfg.Retry.BaseDelay, includeZero || cfg.Retry.BaseDelay != 0)
	retry.put("max_delay", cfg.Retry.MaxDelay, includeZero || cfg.Retry.MaxDelay != 0)
	retry.put("max_attempts", cfg.Retry.MaxAttempts, includeZero || cfg.Retry.MaxAttempts != 0)
	retry.put("jitter", cfg.Retry.Jitter, includeZero || cfg.Retry.Jitter != 0)
	root.section("retry", retry)

	breaker := layer{}
	breaker.put("backend", cfg.Breaker.Backend, includeZero || strings.TrimSpace(cfg.Breaker.Backend) != "")
	breaker.put("failure_threshold", cfg.Breaker.FailureThreshold, includeZero || cfg.Breaker.FailureThreshold != 0)
	breaker.put("failure_window", cfg.Breaker.FailureWindow, includeZero || cfg.Breaker.FailureWindow != 0)
	breaker.put("cool_down", cfg.Breaker.CoolDown, includeZero || cfg.Breaker.CoolDown != 0)
	breaker.put("max_cool_down", cfg.Breaker.MaxCoolDown, includeZero || cfg.Breaker.MaxCoolDown != 0)
	breaker.put("probe_timeout", cfg.Breaker.ProbeTimeout, includeZero || cfg.Breaker.ProbeTimeout != 0)
	root.section("breaker", breaker)

	rateLimit := layer{}
	rateLimit.put("backend", cfg.RateLimit.Backend, includeZero || strings.TrimSpace(cfg.RateLimit.Backend) != "")
	rateLimit.put("max_wait", cfg.RateLimit.MaxWait, includeZero || cfg.RateLimit.MaxWait != 0)
	if includeZero || cfg.RateLimit.Default != (RateLimitTarget{}) {
		rateLimit["default"] = rateLimitTargetLayer(cfg.RateLimit.Default)
	}
	if includeZero || len(cfg.RateLimit.Targets) > 0 {
		targets := make(map[string]any, len(cfg.RateLimit.Targets))
		for name, target := range cfg.RateLimit.Targets {
			targets[name] = rateLimitTargetLayer(target)
		}
		rateLimit["targets"] = targets
	}
	root.section("rate_limit", rateLimit)

	outbound := layer{}
	outbound.put("target", cfg.Outbound.Target, includeZero || strings.TrimSpace(cfg.Outbound.Target) != "")
	outbound.put("timeout", cfg.Outbound.Timeout, includeZero || cfg.Outbound.Timeout != 0)
	outbound.put("confirm", cfg.Outbound.Confirm, includeZero || cfg.Outbound.Confirm)
	root.section("outbound", outbound)

	outbox := layer{}
	outbox.put("batch_size", cfg.Outbox.BatchSize, includeZero || cfg.Outbox.BatchSize != 0)
	outbox.put("max_retries", cfg.Outbox.MaxRetries, includeZero || cfg.Outbox.MaxRetries != 0)
	outbox.put("claim_ttl", cfg.Outbox.ClaimTTL, includeZero || cfg.Outbox.ClaimTTL != 0)
	root.section("outbox", outbox)

	reconcile := layer{}
	reconcile.put("kinds", append([]string(nil), cfg.Reconcile.Kinds...), includeZero || len(cfg.Reconcile.Kinds) > 0)
	reconcile.put("auto_heal", cfg.Reconcile.AutoHeal, includeZero || cfg.Reconcile.AutoHeal)
	reconcile.put("page_size", cfg.Reconcile.PageSize, includeZero || cfg.Reconcile.PageSize != 0)
	reconcile.put("max_pages", cfg.Reconcile.MaxPages, includeZero || cfg.Reconcile.MaxPages != 0)
	reconcile.put("ignore_fields", append([]string(nil), cfg.Reconcile.IgnoreFields...), includeZero || len(cfg.Reconcile.IgnoreFields) > 0)
	root.section("reconcile", reconcile)

	locks := layer{}
	locks.put("backend", cfg.Locks.Backend, includeZero || strings.TrimSpace(cfg.Locks.Backend) != "")
	locks.put("redis_addr", cfg.Locks.RedisAddr, includeZero || strings.TrimSpace(cfg.Locks.RedisAddr) != "")
	locks.put("key_prefix", cfg.Locks.KeyPrefix, includeZero || strings.TrimSpace(cfg.Locks.KeyPrefix) != "")
	root.section("locks", locks)

	metrics := layer{}
	metrics.put("enabled", cfg.Metrics.Enabled, includeZero || cfg.Metrics.Enabled)
	metrics.put("namespace", cfg.Metrics.Namespace, includeZero || strings.TrimSpace(cfg.Metrics.Namespace) != "")
	root.section("metrics", metrics)

	return map[string]any(root)
}

func rateLimitTargetLayer(target RateLimitTarget) map[string]any {
	return map[string]any{
		"limit":  target.Limit,
		"window": target.Window,
		"burst":  target.Burst,
	}
}
