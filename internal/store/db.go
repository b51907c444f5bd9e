// Package store holds the database access primitives shared by the
// persistence implementations.
package store

import (
	"context"
	"database/sql"
)

// DBTX abstracts the handle the task store executes against. Both *sql.DB
// and *sql.Tx satisfy it, so the store runs over the pool in production and
// inside a rolled-back transaction in integration tests.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
