package sql

import (
	"context"
	stdsql "database/sql"
	"errors"
)

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx the repository
// needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row
}

// Preparer is implemented by *sql.DB, *sql.Conn, *sql.Tx and by queriers
// returned from Bind.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*stdsql.Stmt, error)
}

var errCannotPrepare = errors.New("querier cannot prepare statements")

// Prepare prepares query on q. A bound querier rebinds it first.
func Prepare(ctx context.Context, q Querier, query string) (*stdsql.Stmt, error) {
	p, ok := q.(Preparer)
	if !ok {
		return nil, errCannotPrepare
	}
	return p.PrepareContext(ctx, query)
}

// Bind wraps q so every query is rebound for d before it runs.
func Bind(q Querier, d Dialect) Querier {
	if b, ok := q.(boundQuerier); ok && b.dialect == d {
		return b
	}
	return boundQuerier{q: q, dialect: d}
}

type boundQuerier struct {
	q       Querier
	dialect Dialect
}

func (b boundQuerier) ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error) {
	return b.q.ExecContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error) {
	return b.q.QueryContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row {
	return b.q.QueryRowContext(ctx, b.dialect.Rebind(query), args...)
}

func (b boundQuerier) PrepareContext(ctx context.Context, query string) (*stdsql.Stmt, error) {
	return Prepare(ctx, b.q, b.dialect.Rebind(query))
}

// Exists runs a count(*) query and reports whether it returned non-zero.
func Exists(ctx context.Context, q Querier, query string, args ...any) (bool, error) {
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// TableExists reports whether table is present in the current schema.
func TableExists(ctx context.Context, q Querier, d Dialect, table string) (bool, error) {
	return Exists(ctx, Bind(q, d), d.TableExistsQuery(), table)
}

// ColumnExists reports whether table has the named column.
func ColumnExists(ctx context.Context, q Querier, d Dialect, table, column string) (bool, error) {
	return Exists(ctx, Bind(q, d), d.ColumnExistsQuery(), table, column)
}
