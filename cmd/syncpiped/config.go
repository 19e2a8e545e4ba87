package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-syncpipe/core"
)

// The config file carries two sections: pipeline is handed to the pipeline
// config provider, daemon configures the process around it.
//
//	pipeline:
//	  worker:
//	    concurrency: 8
//	daemon:
//	  http_addr: ":8080"
//	  database_dsn: "postgres://..."
type fileConfig struct {
	Daemon daemonConfig `yaml:"daemon"`
}

type daemonConfig struct {
	HTTPAddr          string        `yaml:"http_addr"`
	DatabaseDSN       string        `yaml:"database_dsn"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	OutboxInterval    time.Duration `yaml:"outbox_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Shopify           shopifyConfig `yaml:"shopify"`
}

type shopifyConfig struct {
	ShopDomain    string        `yaml:"shop_domain"`
	AccessToken   string        `yaml:"access_token"`
	APIVersion    string        `yaml:"api_version"`
	WebhookSecret string        `yaml:"webhook_secret"`
	ReplayWindow  time.Duration `yaml:"replay_window"`
}

func (c shopifyConfig) enabled() bool {
	return strings.TrimSpace(c.ShopDomain) != "" && strings.TrimSpace(c.AccessToken) != ""
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		HTTPAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		OutboxInterval:    5 * time.Second,
		ReconcileInterval: 15 * time.Minute,
	}
}

type loadedConfig struct {
	daemon   daemonConfig
	pipeline map[string]any
}

func loadConfig(path string, getenv func(string) string) (loadedConfig, error) {
	loaded := loadedConfig{daemon: defaultDaemonConfig(), pipeline: map[string]any{}}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return loadedConfig{}, fmt.Errorf("syncpiped: read config: %w", err)
		}
		file := fileConfig{Daemon: loaded.daemon}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return loadedConfig{}, fmt.Errorf("syncpiped: parse daemon config: %w", err)
		}
		loaded.daemon = file.Daemon

		raw, err := core.ParseYAMLConfig(data)
		if err != nil {
			return loadedConfig{}, err
		}
		if section, ok := raw["pipeline"]; ok && section != nil {
			pipeline, ok := section.(map[string]any)
			if !ok {
				return loadedConfig{}, fmt.Errorf("syncpiped: pipeline section must be a mapping")
			}
			loaded.pipeline = pipeline
		}
	}
	applyEnv(&loaded.daemon, getenv)
	return loaded, loaded.daemon.validate()
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *daemonConfig, getenv func(string) string) {
	if getenv == nil {
		return
	}
	overrides := map[string]*string{
		"SYNCPIPE_HTTP_ADDR":              &cfg.HTTPAddr,
		"SYNCPIPE_DATABASE_DSN":           &cfg.DatabaseDSN,
		"SYNCPIPE_SHOPIFY_SHOP_DOMAIN":    &cfg.Shopify.ShopDomain,
		"SYNCPIPE_SHOPIFY_ACCESS_TOKEN":   &cfg.Shopify.AccessToken,
		"SYNCPIPE_SHOPIFY_WEBHOOK_SECRET": &cfg.Shopify.WebhookSecret,
	}
	for name, target := range overrides {
		if value := strings.TrimSpace(getenv(name)); value != "" {
			*target = value
		}
	}
}

func (c daemonConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("syncpiped: daemon.http_addr is required")
	}
	if c.OutboxInterval < 0 || c.ReconcileInterval < 0 {
		return fmt.Errorf("syncpiped: daemon intervals must not be negative")
	}
	if c.Shopify.enabled() && strings.TrimSpace(c.Shopify.WebhookSecret) == "" {
		return fmt.Errorf("syncpiped: daemon.shopify.webhook_secret is required when shopify is configured")
	}
	return nil
}
