package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
worker:
  count: 4
  queue_depth: 16
  fetch_timeout: 2m
lifecycle:
  interval: 15m
  retire_after: 72h
retry:
  attempts: 5
  delay: 250ms
storefront:
  fetcher: colly
  url_template: https://shop.example/browse?pin={region}
  sold_out_indicators: ["sold out", "coming soon"]
storage:
  state_backend: local
  local_dir: /var/lib/stockwatch
directory:
  seed_regions: ["560001", "110001"]
logging:
  development: true
  level: debug
notify:
  backend: telegram
  telegram:
    token: bot-token
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Count != 4 || cfg.Worker.QueueDepth != 16 || cfg.Worker.FetchTimeout != 2*time.Minute {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Lifecycle.RetireAfter != 72*time.Hour || cfg.Lifecycle.Interval != 15*time.Minute {
		t.Fatalf("expected lifecycle overrides to apply: %+v", cfg.Lifecycle)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.Delay != 250*time.Millisecond {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if len(cfg.Storefront.SoldOutIndicators) != 2 || cfg.Storefront.Fetcher != FetcherColly {
		t.Fatalf("expected storefront overrides to apply: %+v", cfg.Storefront)
	}
	if len(cfg.Directory.SeedRegions) != 2 || cfg.Directory.SeedRegions[0] != "560001" {
		t.Fatalf("expected seed regions to load: %+v", cfg.Directory.SeedRegions)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if cfg.Notify.Backend != BackendTelegram || cfg.Notify.Telegram.Token != "bot-token" {
		t.Fatalf("expected telegram notify config: %+v", cfg.Notify)
	}
}

func TestLoadDefaultsWithEnvOverride(t *testing.T) {
	t.Setenv("STOCKWATCH_STOREFRONT_URL", "https://shop.example/en/browse/protein")
	t.Setenv("STOCKWATCH_WORKER_COUNT", "3")
	t.Setenv("STOCKWATCH_LIFECYCLE_RETIRE_AFTER", "48h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storefront.URL != "https://shop.example/en/browse/protein" {
		t.Fatalf("expected storefront url from env, got %q", cfg.Storefront.URL)
	}
	if cfg.Worker.Count != 3 {
		t.Fatalf("expected worker count 3, got %d", cfg.Worker.Count)
	}
	if cfg.Lifecycle.RetireAfter != 48*time.Hour {
		t.Fatalf("expected retire_after 48h, got %v", cfg.Lifecycle.RetireAfter)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Delay != time.Second {
		t.Fatalf("expected default retry policy, got %+v", cfg.Retry)
	}
	if cfg.Storage.StateBackend != BackendLocal || cfg.Notify.Backend != BackendLog {
		t.Fatalf("expected local/log defaults, got %q/%q", cfg.Storage.StateBackend, cfg.Notify.Backend)
	}
	if cfg.Storage.LocalDir != "data/state" {
		t.Fatalf("expected default state dir data/state, got %q", cfg.Storage.LocalDir)
	}
	if cfg.DB.Tables.Outbox != "pending_notifications" {
		t.Fatalf("expected default outbox table, got %q", cfg.DB.Tables.Outbox)
	}
	if cfg.UsesPostgres() {
		t.Fatal("expected no postgres backend by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Worker:     WorkerConfig{Count: 1, QueueDepth: 8},
		Lifecycle:  LifecycleConfig{Interval: time.Minute, RetireAfter: time.Hour},
		Jobs:       JobsConfig{Backend: BackendMemory},
		Retry:      RetryConfig{Attempts: 1},
		Outbox:     OutboxConfig{Backend: BackendMemory},
		Storefront: StorefrontConfig{Fetcher: FetcherHeadless, URL: "https://shop.example"},
		Storage:    StorageConfig{StateBackend: BackendMemory},
		Directory:  DirectoryConfig{Backend: BackendMemory},
		Notify:     NotifyConfig{Backend: BackendLog},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no workers", func(c *Config) { c.Worker.Count = 0 }, "worker.count"},
		{"no queue", func(c *Config) { c.Worker.QueueDepth = 0 }, "worker.queue_depth"},
		{"zero retire", func(c *Config) { c.Lifecycle.RetireAfter = 0 }, "lifecycle.retire_after"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"outbox batch", func(c *Config) { c.Outbox.Enabled = true }, "outbox.interval"},
		{"headless url", func(c *Config) { c.Storefront.URL = "" }, "storefront.url"},
		{"colly template", func(c *Config) { c.Storefront.Fetcher = FetcherColly }, "storefront.url_template"},
		{"unknown fetcher", func(c *Config) { c.Storefront.Fetcher = "curl" }, "storefront.fetcher"},
		{"gcs bucket", func(c *Config) { c.Storage.StateBackend = BackendGCS }, "storage.gcs_bucket"},
		{"unknown state backend", func(c *Config) { c.Storage.StateBackend = "s3" }, "storage.state_backend"},
		{"postgres dsn", func(c *Config) { c.Directory.Backend = BackendPostgres }, "db.dsn"},
		{"unknown jobs backend", func(c *Config) { c.Jobs.Backend = "redis" }, "jobs.backend"},
		{"telegram token", func(c *Config) { c.Notify.Backend = BackendTelegram }, "notify.telegram.token"},
		{"pubsub topic", func(c *Config) { c.Notify.Backend = BackendPubSub }, "notify.pubsub"},
		{"bad pattern", func(c *Config) { c.Regions.CodePattern = "([" }, "regions.code_pattern"},
		{"bad seed", func(c *Config) { c.Directory.SeedRegions = []string{"abc"} }, "directory.seed_regions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRegionPatternDefault(t *testing.T) {
	t.Parallel()

	re, err := Config{}.RegionPattern()
	if err != nil {
		t.Fatalf("RegionPattern() error = %v", err)
	}
	if !re.MatchString("560001") || re.MatchString("56001") {
		t.Fatal("expected default pattern to accept six digits only")
	}
}
