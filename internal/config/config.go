// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/stockwatch/internal/logging"
	"github.com/JakeFAU/stockwatch/internal/storage/postgres"
)

// EnvPrefix prefixes every environment override, e.g. STOCKWATCH_SERVER_PORT.
const EnvPrefix = "STOCKWATCH"

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendLog      = "log"
	BackendTelegram = "telegram"
	BackendPubSub   = "pubsub"
	FetcherHeadless = "headless"
	FetcherColly    = "colly"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Storefront StorefrontConfig `mapstructure:"storefront"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Regions    RegionsConfig    `mapstructure:"regions"`
	DB         DBConfig         `mapstructure:"db"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig sizes the worker pool and its queue.
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
}

// LifecycleConfig drives the periodic region sweep.
type LifecycleConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	RetireAfter time.Duration `mapstructure:"retire_after"`
	RunOnStart  bool          `mapstructure:"run_on_start"`
}

// JobsConfig controls where job status lives and how long it is kept.
type JobsConfig struct {
	Backend         string        `mapstructure:"backend"`
	Retention       time.Duration `mapstructure:"retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// RetryConfig is the shared retry policy for external calls.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// OutboxConfig controls redelivery of failed notifications.
type OutboxConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Backend     string        `mapstructure:"backend"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// StorefrontConfig describes how to reach and read the storefront.
type StorefrontConfig struct {
	Fetcher           string        `mapstructure:"fetcher"`
	URL               string        `mapstructure:"url"`
	URLTemplate       string        `mapstructure:"url_template"`
	RegionCookie      string        `mapstructure:"region_cookie"`
	UserAgent         string        `mapstructure:"user_agent"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	RegionInput       string        `mapstructure:"region_input"`
	RegionOpener      string        `mapstructure:"region_opener"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
	ItemSelector      string        `mapstructure:"item_selector"`
	NameSelector      string        `mapstructure:"name_selector"`
	LinkSelector      string        `mapstructure:"link_selector"`
	StatusSelectors   []string      `mapstructure:"status_selectors"`
	SoldOutIndicators []string      `mapstructure:"sold_out_indicators"`
}

// StorageConfig selects the stock state backend.
type StorageConfig struct {
	StateBackend string `mapstructure:"state_backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	GCSPrefix    string `mapstructure:"gcs_prefix"`
}

// DirectoryConfig selects the region and subscriber directory backend.
type DirectoryConfig struct {
	Backend     string   `mapstructure:"backend"`
	SeedRegions []string `mapstructure:"seed_regions"`
}

// RegionsConfig validates region codes accepted over the API.
type RegionsConfig struct {
	CodePattern string `mapstructure:"code_pattern"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string          `mapstructure:"dsn"`
	MaxConns int32           `mapstructure:"max_conns"`
	Migrate  bool            `mapstructure:"migrate"`
	Tables   postgres.Tables `mapstructure:"tables"`
}

// NotifyConfig selects the notification channel.
type NotifyConfig struct {
	Backend  string         `mapstructure:"backend"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// PubSubConfig names the topic notifications are handed to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from an optional .env file, an optional config file,
// and STOCKWATCH_* environment variables.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.fetch_timeout", "90s")
	v.SetDefault("worker.release_timeout", "10s")
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("worker.enqueue_timeout", "5s")
	v.SetDefault("lifecycle.interval", "10m")
	v.SetDefault("lifecycle.retire_after", "168h")
	v.SetDefault("lifecycle.run_on_start", true)
	v.SetDefault("jobs.backend", BackendMemory)
	v.SetDefault("jobs.retention", "24h")
	v.SetDefault("jobs.janitor_interval", "1h")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", "1s")
	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.backend", BackendMemory)
	v.SetDefault("outbox.interval", "1m")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("storefront.fetcher", FetcherHeadless)
	v.SetDefault("storefront.url", "")
	v.SetDefault("storefront.url_template", "")
	v.SetDefault("storefront.region_cookie", "")
	v.SetDefault("storefront.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("storefront.headless", true)
	v.SetDefault("storefront.exec_path", "")
	v.SetDefault("storefront.navigation_timeout", "45s")
	v.SetDefault("storefront.region_input", "")
	v.SetDefault("storefront.region_opener", "")
	v.SetDefault("storefront.settle_delay", "5s")
	v.SetDefault("storefront.respect_robots", false)
	v.SetDefault("storefront.rate_per_second", 0.5)
	v.SetDefault("storefront.burst", 1)
	v.SetDefault("storefront.item_selector", "")
	v.SetDefault("storefront.name_selector", "")
	v.SetDefault("storefront.link_selector", "")
	v.SetDefault("storefront.status_selectors", []string{})
	v.SetDefault("storefront.sold_out_indicators", []string{})
	v.SetDefault("storage.state_backend", BackendLocal)
	v.SetDefault("storage.local_dir", "data/state")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "stock-state")
	v.SetDefault("directory.backend", BackendMemory)
	v.SetDefault("directory.seed_regions", []string{})
	v.SetDefault("regions.code_pattern", `^[0-9]{6}$`)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("db.tables.stock_records", "stock_records")
	v.SetDefault("db.tables.regions", "regions")
	v.SetDefault("db.tables.subscriptions", "subscriptions")
	v.SetDefault("db.tables.outbox", "pending_notifications")
	v.SetDefault("db.tables.jobs", "scrape_jobs")
	v.SetDefault("notify.backend", BackendLog)
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Lifecycle.Interval <= 0 {
		return fmt.Errorf("lifecycle.interval must be > 0")
	}
	if c.Lifecycle.RetireAfter <= 0 {
		return fmt.Errorf("lifecycle.retire_after must be > 0")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must be >= 0")
	}
	if c.Outbox.Enabled && (c.Outbox.Interval <= 0 || c.Outbox.BatchSize <= 0) {
		return fmt.Errorf("outbox.interval and outbox.batch_size must be > 0 when the outbox is enabled")
	}

	switch c.Storefront.Fetcher {
	case FetcherHeadless:
		if c.Storefront.URL == "" {
			return fmt.Errorf("storefront.url is required for the headless fetcher")
		}
	case FetcherColly:
		if c.Storefront.URLTemplate == "" {
			return fmt.Errorf("storefront.url_template is required for the colly fetcher")
		}
	default:
		return fmt.Errorf("storefront.fetcher %q is not one of %s, %s", c.Storefront.Fetcher, FetcherHeadless, FetcherColly)
	}

	switch c.Storage.StateBackend {
	case BackendMemory, BackendPostgres:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.state_backend %q is not supported", c.Storage.StateBackend)
	}

	for key, backend := range map[string]string{
		"directory.backend": c.Directory.Backend,
		"jobs.backend":      c.Jobs.Backend,
		"outbox.backend":    c.Outbox.Backend,
	} {
		if backend != BackendMemory && backend != BackendPostgres {
			return fmt.Errorf("%s %q is not one of %s, %s", key, backend, BackendMemory, BackendPostgres)
		}
	}
	if c.UsesPostgres() && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when a postgres backend is selected")
	}

	switch c.Notify.Backend {
	case BackendLog:
	case BackendTelegram:
		if c.Notify.Telegram.Token == "" {
			return fmt.Errorf("notify.telegram.token is required for the telegram backend")
		}
	case BackendPubSub:
		if c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.Topic == "" {
			return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}

	pattern, err := c.RegionPattern()
	if err != nil {
		return err
	}
	for _, region := range c.Directory.SeedRegions {
		if !pattern.MatchString(region) {
			return fmt.Errorf("directory.seed_regions: %q does not match regions.code_pattern", region)
		}
	}
	return nil
}

// UsesPostgres reports whether any backend needs a database connection.
func (c Config) UsesPostgres() bool {
	return c.Storage.StateBackend == BackendPostgres ||
		c.Directory.Backend == BackendPostgres ||
		c.Jobs.Backend == BackendPostgres ||
		(c.Outbox.Enabled && c.Outbox.Backend == BackendPostgres)
}

// RegionPattern compiles regions.code_pattern.
func (c Config) RegionPattern() (*regexp.Regexp, error) {
	pattern := c.Regions.CodePattern
	if pattern == "" {
		pattern = `^[0-9]{6}$`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regions.code_pattern: %w", err)
	}
	return re, nil
}
