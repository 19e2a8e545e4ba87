package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	BreakerBackendDurable   = "durable"
	BreakerBackendGoBreaker = "gobreaker"

	RateLimitBackendTokenBucket = "token_bucket"
	RateLimitBackendWindow      = "window"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

type InboxConfig struct {
	DedupeWindow       time.Duration `koanf:"dedupe_window" mapstructure:"dedupe_window"`
	DefaultMaxAttempts int           `koanf:"default_max_attempts" mapstructure:"default_max_attempts"`
	MaxPayloadBytes    int64         `koanf:"max_payload_bytes" mapstructure:"max_payload_bytes"`
}

type QueueConfig struct {
	LeaseDuration time.Duration `koanf:"lease_duration" mapstructure:"lease_duration"`
}

type WorkerConfig struct {
	WorkerID        string        `koanf:"worker_id" mapstructure:"worker_id"`
	Concurrency     int           `koanf:"concurrency" mapstructure:"concurrency"`
	BatchSize       int           `koanf:"batch_size" mapstructure:"batch_size"`
	PollInterval    time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	LockTTL         time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
	ContentionDelay time.Duration `koanf:"contention_delay" mapstructure:"contention_delay"`
	SweepLimit      int           `koanf:"sweep_limit" mapstructure:"sweep_limit"`
}

type BreakerConfig struct {
	Backend          string        `koanf:"backend" mapstructure:"backend"`
	FailureThreshold int           `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `koanf:"failure_window" mapstructure:"failure_window"`
	CoolDown         time.Duration `koanf:"cool_down" mapstructure:"cool_down"`
	MaxCoolDown      time.Duration `koanf:"max_cool_down" mapstructure:"max_cool_down"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout" mapstructure:"probe_timeout"`
}

type RateLimitTarget struct {
	Limit  int           `koanf:"limit" mapstructure:"limit"`
	Window time.Duration `koanf:"window" mapstructure:"window"`
	Burst  int           `koanf:"burst" mapstructure:"burst"`
}

type RateLimitConfig struct {
	Backend string                     `koanf:"backend" mapstructure:"backend"`
	Default RateLimitTarget            `koanf:"default" mapstructure:"default"`
	Targets map[string]RateLimitTarget `koanf:"targets" mapstructure:"targets"`
	MaxWait time.Duration              `koanf:"max_wait" mapstructure:"max_wait"`
}

type OutboundConfig struct {
	Target  string        `koanf:"target" mapstructure:"target"`
	Timeout time.Duration `koanf:"timeout" mapstructure:"timeout"`
	Confirm bool          `koanf:"confirm" mapstructure:"confirm"`
}

type OutboxConfig struct {
	BatchSize  int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxRetries int           `koanf:"max_retries" mapstructure:"max_retries"`
	ClaimTTL   time.Duration `koanf:"claim_ttl" mapstructure:"claim_ttl"`
}

type ReconcileConfig struct {
	Kinds        []string `koanf:"kinds" mapstructure:"kinds"`
	AutoHeal     bool     `koanf:"auto_heal" mapstructure:"auto_heal"`
	PageSize     int      `koanf:"page_size" mapstructure:"page_size"`
	MaxPages     int      `koanf:"max_pages" mapstructure:"max_pages"`
	IgnoreFields []string `koanf:"ignore_fields" mapstructure:"ignore_fields"`
}

type LocksConfig struct {
	Backend   string `koanf:"backend" mapstructure:"backend"`
	RedisAddr string `koanf:"redis_addr" mapstructure:"redis_addr"`
	KeyPrefix string `koanf:"key_prefix" mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" mapstructure:"enabled"`
	Namespace string `koanf:"namespace" mapstructure:"namespace"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Inbox       InboxConfig     `koanf:"inbox" mapstructure:"inbox"`
	Queue       QueueConfig     `koanf:"queue" mapstructure:"queue"`
	Worker      WorkerConfig    `koanf:"worker" mapstructure:"worker"`
	Retry       RetryConfig     `koanf:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig   `koanf:"breaker" mapstructure:"breaker"`
	RateLimit   RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Outbound    OutboundConfig  `koanf:"outbound" mapstructure:"outbound"`
	Outbox      OutboxConfig    `koanf:"outbox" mapstructure:"outbox"`
	Reconcile   ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
	Locks       LocksConfig     `koanf:"locks" mapstructure:"locks"`
	Metrics     MetricsConfig   `koanf:"metrics" mapstructure:"metrics"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "syncpipe",
		Inbox: InboxConfig{
			DedupeWindow:       24 * time.Hour,
			DefaultMaxAttempts: 5,
			MaxPayloadBytes:    1 << 20,
		},
		Queue: QueueConfig{
			LeaseDuration: 2 * time.Minute,
		},
		Worker: WorkerConfig{
			WorkerID:        "worker",
			Concurrency:     4,
			BatchSize:       20,
			PollInterval:    time.Second,
			LockTTL:         2 * time.Minute,
			ContentionDelay: 2 * time.Second,
			SweepLimit:      50,
		},
		Retry: DefaultRetryConfig(),
		Breaker: BreakerConfig{
			Backend:          BreakerBackendDurable,
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			CoolDown:         30 * time.Second,
			MaxCoolDown:      10 * time.Minute,
			ProbeTimeout:     time.Minute,
		},
		RateLimit: RateLimitConfig{
			Backend: RateLimitBackendTokenBucket,
			Default: RateLimitTarget{
				Limit:  40,
				Window: time.Second,
				Burst:  40,
			},
			Targets: map[string]RateLimitTarget{},
			MaxWait: 5 * time.Second,
		},
		Outbound: OutboundConfig{
			Target:  "remote",
			Timeout: 10 * time.Second,
			Confirm: false,
		},
		Outbox: OutboxConfig{
			BatchSize:  50,
			MaxRetries: 5,
			ClaimTTL:   time.Minute,
		},
		Reconcile: ReconcileConfig{
			Kinds:        []string{},
			AutoHeal:     false,
			PageSize:     200,
			MaxPages:     100,
			IgnoreFields: []string{"updated_at"},
		},
		Locks: LocksConfig{
			Backend:   LockBackendMemory,
			KeyPrefix: "syncpipe:lock:",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "syncpipe",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Inbox.DedupeWindow < 0 {
		return fmt.Errorf("core: inbox.dedupe_window must not be negative")
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("core: queue.lease_duration must be positive")
	}
	if c.Worker.Concurrency < 0 || c.Worker.BatchSize < 0 {
		return fmt.Errorf("core: worker concurrency and batch_size must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("core: retry.base_delay must not exceed retry.max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("core: retry.jitter must be within [0,1]")
	}
	switch strings.TrimSpace(c.Breaker.Backend) {
	case "", BreakerBackendDurable, BreakerBackendGoBreaker:
	default:
		return fmt.Errorf("core: breaker.backend %q is invalid", c.Breaker.Backend)
	}
	switch strings.TrimSpace(c.RateLimit.Backend) {
	case "", RateLimitBackendTokenBucket, RateLimitBackendWindow:
	default:
		return fmt.Errorf("core: rate_limit.backend %q is invalid", c.RateLimit.Backend)
	}
	switch strings.TrimSpace(c.Locks.Backend) {
	case "", LockBackendMemory:
	case LockBackendRedis:
		if strings.TrimSpace(c.Locks.RedisAddr) == "" {
			return fmt.Errorf("core: locks.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("core: locks.backend %q is invalid", c.Locks.Backend)
	}
	for _, kind := range c.Reconcile.Kinds {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("core: reconcile.kinds entries are required to be non-empty")
		}
	}
	return nil
}

// RateLimitFor resolves the per-target limit, falling back to the default.
func (c RateLimitConfig) RateLimitFor(target string) RateLimitTarget {
	if limit, ok := c.Targets[strings.TrimSpace(strings.ToLower(target))]; ok {
		return limit
	}
	return c.Default
}
