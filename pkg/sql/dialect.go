package sql

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Kind names a supported storage backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgresql"
)

// Dialect captures every place the two backends disagree on DDL or DML.
// Queries throughout the module are written with ? placeholders and passed
// through Rebind before execution.
type Dialect interface {
	Kind() Kind
	DriverName() string

	// PrimaryKey returns the auto-incrementing surrogate key definition.
	PrimaryKey(column string) string
	BigInt() string
	// ConflictIgnore is appended after a UNIQUE constraint definition.
	ConflictIgnore() string
	// InsertIgnore renders an insert that silently skips rows violating a
	// uniqueness constraint.
	InsertIgnore(table, columns, values string) string
	SupportsAddConstraint() bool
	Rebind(query string) string

	// ConnectionPragmas are applied to every new embedded connection.
	ConnectionPragmas() []string
	TableExistsQuery() string
	ColumnExistsQuery() string

	// InsertReturningID runs an insert and returns the generated id.
	InsertReturningID(ctx context.Context, q Querier, query string, args ...any) (int64, error)
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

// DialectFor resolves a backend kind.
func DialectFor(kind Kind) (Dialect, error) {
	switch kind {
	case KindSQLite:
		return SQLite, nil
	case KindPostgres:
		return Postgres, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", kind)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Kind() Kind         { return KindSQLite }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) PrimaryKey(column string) string {
	return column + " integer primary key autoincrement NOT NULL"
}

func (sqliteDialect) BigInt() string         { return "INTEGER" }
func (sqliteDialect) ConflictIgnore() string { return " ON CONFLICT IGNORE" }

func (sqliteDialect) InsertIgnore(table, columns, values string) string {
	return "INSERT OR IGNORE INTO " + table + " (" + columns + ") VALUES (" + values + ")"
}

func (sqliteDialect) SupportsAddConstraint() bool { return false }
func (sqliteDialect) Rebind(query string) string  { return query }

func (sqliteDialect) ConnectionPragmas() []string {
	return []string{
		"synchronous(OFF)",
		"journal_mode(WAL)",
		"read_uncommitted(true)",
		`encoding("UTF-8")`,
		"page_size(4096)",
		"foreign_keys(ON)",
	}
}

func (sqliteDialect) TableExistsQuery() string {
	return "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (sqliteDialect) ColumnExistsQuery() string {
	return "SELECT count(*) FROM pragma_table_info(?) WHERE name = ?"
}

func (d sqliteDialect) InsertReturningID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	res, err := Bind(q, d).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type postgresDialect struct{}

func (postgresDialect) Kind() Kind         { return KindPostgres }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) PrimaryKey(column string) string {
	return column + " SERIAL PRIMARY KEY"
}

func (postgresDialect) BigInt() string         { return "BIGINT" }
func (postgresDialect) ConflictIgnore() string { return "" }

func (postgresDialect) InsertIgnore(table, columns, values string) string {
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" + values + ") ON CONFLICT DO NOTHING"
}

func (postgresDialect) SupportsAddConstraint() bool { return true }

// Rebind rewrites ? placeholders outside quoted literals to $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	last := 0
	scanOutsideLiterals(query, postgresLexicon, func(offset int, c byte) bool {
		if c == '?' {
			n++
			b.WriteString(query[last:offset])
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			last = offset + 1
		}
		return true
	})
	b.WriteString(query[last:])
	return b.String()
}

func (postgresDialect) ConnectionPragmas() []string { return nil }

func (postgresDialect) TableExistsQuery() string {
	return "SELECT count(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
}

func (postgresDialect) ColumnExistsQuery() string {
	return "SELECT count(*) FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?"
}

func (d postgresDialect) InsertReturningID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var id int64
	if err := Bind(q, d).QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
