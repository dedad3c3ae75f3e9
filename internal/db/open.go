package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path string // e.g. "./data/portgate.db"
	Env  string // "dev" | "prod"

	// ReadConns sizes the read-only pool returned by OpenReader. Under WAL
	// those readers never hold up the writer connection.
	ReadConns int
}

const DefaultReadConns = 4

func (cfg *Config) defaults() {
	if cfg.Path == "" {
		cfg.Path = "./data/portgate.db"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = DefaultReadConns
	}
}

// modernc.org/sqlite DSN with per-connection PRAGMAs:
// - foreign_keys ON
// - WAL so readers see a stable snapshot while the worker writes
// - synchronous NORMAL for performance with good safety
// - busy_timeout to reduce SQLITE_BUSY under load
func dsn(path string, readOnly bool) string {
	s := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)
	if readOnly {
		s += "&_pragma=query_only(1)"
	}
	return s
}

// Open returns the writer pool: one connection, owned by the Worker, with
// migrations applied. Reads belong on the pool from OpenReader.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg.defaults()

	// Ensure DB parent directory exists.
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := openPool(ctx, dsn(cfg.Path, false), 1)
	if err != nil {
		return nil, err
	}

	// Apply migrations.
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenReader returns a query-only pool of cfg.ReadConns connections on the
// database Open created.
func OpenReader(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg.defaults()
	return openPool(ctx, dsn(cfg.Path, true), cfg.ReadConns)
}

func openPool(ctx context.Context, dsn string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)

	// Validate connection early.
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}
