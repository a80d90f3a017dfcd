// Package metastore provides the environment metadata database.
//
// This is the single long-lived database of the backend: products, sensor
// registrations, users, named configuration objects, registration tickets
// and single-value sensor content all live here. Unlike sensor history it
// is not time-partitioned. It uses DuckDB as the backing database.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Config holds store configuration options.
type Config struct {
	// Path is the database file path. Empty means in-memory.
	Path string

	// QueryTimeout is the default timeout for operations.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueryTimeout: 30 * time.Second,
	}
}

// Store provides metadata operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// Open opens the metastore and initializes its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metastore: %w", err)
	}

	s := &Store{db: db, config: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the tables. Idempotent.
func (s *Store) initSchema() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{
			name: "products",
			sql: `CREATE TABLE IF NOT EXISTS products (
				name        VARCHAR PRIMARY KEY,
				description VARCHAR,
				access_key  VARCHAR,
				created_at  TIMESTAMP
			)`,
		},
		{
			name: "sensors",
			sql: `CREATE TABLE IF NOT EXISTS sensors (
				product       VARCHAR,
				path          VARCHAR,
				type          VARCHAR,
				description   VARCHAR,
				ttl_seconds   BIGINT DEFAULT 0,
				last_received TIMESTAMP,
				created_at    TIMESTAMP,
				PRIMARY KEY (product, path)
			)`,
		},
		{
			name: "users",
			sql: `CREATE TABLE IF NOT EXISTS users (
				username      VARCHAR PRIMARY KEY,
				password_hash VARCHAR,
				is_admin      BOOLEAN DEFAULT FALSE,
				created_at    TIMESTAMP
			)`,
		},
		{
			name: "config_objects",
			sql: `CREATE TABLE IF NOT EXISTS config_objects (
				name       VARCHAR PRIMARY KEY,
				value      VARCHAR,
				updated_at TIMESTAMP
			)`,
		},
		{
			name: "tickets",
			sql: `CREATE TABLE IF NOT EXISTS tickets (
				id         VARCHAR PRIMARY KEY,
				product    VARCHAR,
				role       VARCHAR,
				expires_at TIMESTAMP
			)`,
		},
		{
			name: "latest_values",
			sql: `CREATE TABLE IF NOT EXISTS latest_values (
				product  VARCHAR,
				path     VARCHAR,
				received TIMESTAMP,
				payload  BLOB,
				PRIMARY KEY (product, path)
			)`,
		},
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create table %s: %w", stmt.name, err)
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// opCtx returns a context bounded by the configured query timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}
