// Package db provides PostgreSQL-backed repositories for recurring schedules,
// batch operations, job locks, job history, the invoice idempotency ledger
// and the rendered-PDF archive. All repositories accept a DBTX interface that
// is satisfied by both *pgxpool.Pool and pgx.Tx.
//
// State transitions that must be atomic (schedule advance, batch status
// changes) are written as single conditional UPDATE statements so that the
// row's current value acts as the compare-and-swap guard.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dateOnly truncates t to a UTC calendar date. DATE columns are compared
// against this value so a caller's wall-clock component never leaks in.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
