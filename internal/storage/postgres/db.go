// Package postgres provides Postgres-backed persistence implementations: stock
// state, the region and subscriber directories, the notification outbox, and
// a durable job status table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names every table the stores use.
type Tables struct {
	StockRecords  string `mapstructure:"stock_records"`
	Regions       string `mapstructure:"regions"`
	Subscriptions string `mapstructure:"subscriptions"`
	Outbox        string `mapstructure:"outbox"`
	Jobs          string `mapstructure:"jobs"`
}

// DefaultTables returns the standard table names.
func DefaultTables() Tables {
	return Tables{
		StockRecords:  "stock_records",
		Regions:       "regions",
		Subscriptions: "subscriptions",
		Outbox:        "pending_notifications",
		Jobs:          "scrape_jobs",
	}
}

func (t Tables) withDefaults() Tables {
	def := DefaultTables()
	if t.StockRecords == "" {
		t.StockRecords = def.StockRecords
	}
	if t.Regions == "" {
		t.Regions = def.Regions
	}
	if t.Subscriptions == "" {
		t.Subscriptions = def.Subscriptions
	}
	if t.Outbox == "" {
		t.Outbox = def.Outbox
	}
	if t.Jobs == "" {
		t.Jobs = def.Jobs
	}
	return t
}

func (t Tables) validate() error {
	for _, name := range []string{t.StockRecords, t.Regions, t.Subscriptions, t.Outbox, t.Jobs} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Tables          Tables
}

// pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB owns the pool and hands out the individual stores.
type DB struct {
	pool   pool
	tables Tables
}

// Open connects to Postgres using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	tables := cfg.Tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{pool: p, tables: tables}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, tables Tables) (*DB, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	return &DB{pool: p, tables: tables}, nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

// Migrate creates every table the stores need if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	t := db.tables
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	region      TEXT        NOT NULL,
	product_id  TEXT        NOT NULL,
	sold_out    BOOLEAN     NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (region, product_id)
)`, t.StockRecords),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	region              TEXT        PRIMARY KEY,
	last_interacted_at  TIMESTAMPTZ NOT NULL
)`, t.Regions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	product_id  TEXT NOT NULL,
	address     TEXT NOT NULL,
	PRIMARY KEY (product_id, address)
)`, t.Subscriptions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            TEXT        PRIMARY KEY,
	address       TEXT        NOT NULL,
	region        TEXT        NOT NULL,
	products      JSONB       NOT NULL,
	attempts      INTEGER     NOT NULL DEFAULT 0,
	last_error    TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	delivered_at  TIMESTAMPTZ
)`, t.Outbox),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id           TEXT        PRIMARY KEY,
	region       TEXT        NOT NULL,
	state        TEXT        NOT NULL,
	reason       TEXT        NOT NULL DEFAULT '',
	counters     JSONB       NOT NULL DEFAULT '{}',
	enqueued_at  TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
)`, t.Jobs),
	}
	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
