package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Base tables only (pre-migration)
// 1 - Registered grains, purchases, sales, inventory collections
// 2 - Registered godowns, users collections; added telemetry_buffer
const currentSchemaVersion = 2

// Collection names registered by migrations.
const (
	CollectionGrains    = "grains"
	CollectionPurchases = "purchases"
	CollectionSales     = "sales"
	CollectionInventory = "inventory"
	CollectionGodowns   = "godowns"
	CollectionUsers     = "users"
)

// Store provides durable local storage for records, the pending mutation
// queue, and the telemetry mirror. Uses SQLite with WAL mode.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	collections []string
	now         func() time.Time
}

// WithCollections registers additional collections at open. Registering an
// existing collection is a no-op.
func WithCollections(names ...string) Option {
	return func(c *openConfig) {
		c.collections = append(c.collections, names...)
	}
}

// WithNow overrides the wall clock used for record and queue timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *openConfig) {
		c.now = now
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// When the on-disk schema version is behind currentSchemaVersion the missing
// collections and tables are created; existing data is never dropped.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := openConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr("open", "", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("open", "", fmt.Errorf("connect: %w", err))
	}

	// SQLite only supports one writer at a time; a single connection also
	// makes every statement atomic with respect to the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, storageErr("open", "", err)
	}

	s := &Store{db: db, now: cfg.now}

	if err := s.applySchema(cfg.collections); err != nil {
		db.Close()
		return nil, storageErr("migrate", "", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion returns the on-disk schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, storageErr("schema_version", "", err)
	}
	return version, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates base tables if they don't exist, runs migrations and
// registers caller-supplied collections.
func (s *Store) applySchema(extra []string) error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		return err
	}

	return s.registerCollections(extra...)
}

// runMigrations applies incremental schema migrations based on user_version.
func (s *Store) runMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return err
		}
	}

	if version < currentSchemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// migrateToV1 registers the original trading collections.
func (s *Store) migrateToV1() error {
	if err := s.registerCollections(CollectionGrains, CollectionPurchases, CollectionSales, CollectionInventory); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 registers warehouse and user collections and adds the
// telemetry mirror table.
func (s *Store) migrateToV2() error {
	if err := s.registerCollections(CollectionGodowns, CollectionUsers); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry_buffer (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			payload BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// registerCollections inserts collection names, ignoring existing ones.
func (s *Store) registerCollections(names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := s.db.Exec(
			`INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			name, s.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("register collection %q: %w", name, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
