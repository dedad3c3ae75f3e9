// Package sqlite implements store.Store on SQLite. Writes go through the
// single db.Worker goroutine; reads run in their own transactions on a
// separate pool and see the last committed state.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	dbpkg "github.com/BrandonDHaskell/Portgate/server/internal/db"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/store"
)

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

// New reads through readDB and writes through writer. In production readDB
// is the pool from db.OpenReader, so open reads never hold the writer's
// connection.
func New(readDB *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: readDB, writer: writer}
}

func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("View begin: %w", err))
	}
	defer tx.Rollback()

	return fn(reader{q: tx})
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	var fnErr error
	err := s.writer.Do(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {
		fnErr = fn(&tx{reader: reader{q: sqlTx}})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return classify(err)
}

// classify marks errors that mean the database could not take the work.
func classify(err error) error {
	if err == nil || errors.Is(err, store.ErrUnavailable) {
		return err
	}
	switch {
	case errors.Is(err, dbpkg.ErrBusy),
		errors.Is(err, dbpkg.ErrClosed),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ store.Store = (*Store)(nil)
