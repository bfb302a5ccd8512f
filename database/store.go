package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Store is the Postgres-backed persistence used by the dispatch engine and
// the HTTP handlers.
type Store struct {
	db   *sql.DB
	psql sq.StatementBuilderType
}

// NewStore wraps an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// DB exposes the underlying pool for the reporting helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullTime(ts sql.NullTime) *time.Time {
	if !ts.Valid {
		return nil
	}
	v := ts.Time
	return &v
}
