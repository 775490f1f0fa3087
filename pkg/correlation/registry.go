package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Registry reads and writes the correlation_types table. Once the table
// has rows it is the source of truth; before that DefaultTypes is used.
type Registry struct {
	dialect sqlpkg.Dialect
}

func NewRegistry(dialect sqlpkg.Dialect) *Registry {
	return &Registry{dialect: dialect}
}

const selectTypesSQL = `SELECT id, display_name, db_table_name, supported, enabled FROM correlation_types`

// DefinedTypes returns every registered type, or DefaultTypes when the
// table is empty.
func (r *Registry) DefinedTypes(ctx context.Context, q sqlpkg.Querier) ([]Type, error) {
	types, err := r.query(ctx, q, selectTypesSQL+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return DefaultTypes(), nil
	}
	return types, nil
}

// EnabledTypes returns registered types with enabled = 1.
func (r *Registry) EnabledTypes(ctx context.Context, q sqlpkg.Querier) ([]Type, error) {
	return r.filtered(ctx, q, "enabled", func(t Type) bool { return t.Enabled })
}

// SupportedTypes returns registered types with supported = 1.
func (r *Registry) SupportedTypes(ctx context.Context, q sqlpkg.Querier) ([]Type, error) {
	return r.filtered(ctx, q, "supported", func(t Type) bool { return t.Supported })
}

func (r *Registry) filtered(ctx context.Context, q sqlpkg.Querier, column string, keep func(Type) bool) ([]Type, error) {
	// column is one of two literals above, never caller input.
	types, err := r.query(ctx, q, selectTypesSQL+" WHERE "+column+" = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}
	if len(types) > 0 {
		return types, nil
	}

	empty, err := r.isEmpty(ctx, q)
	if err != nil || !empty {
		return types, err
	}
	var defaults []Type
	for _, t := range DefaultTypes() {
		if keep(t) {
			defaults = append(defaults, t)
		}
	}
	return defaults, nil
}

// TypeByID looks up a single registered type.
func (r *Registry) TypeByID(ctx context.Context, q sqlpkg.Querier, id int) (Type, error) {
	types, err := r.query(ctx, q, selectTypesSQL+" WHERE id = ?", id)
	if err != nil {
		return Type{}, err
	}
	if len(types) == 0 {
		return Type{}, fmt.Errorf("correlation type %d: %w", id, apperrors.ErrNotFound)
	}
	return types[0], nil
}

// AddType registers t. A negative t.ID asks for the next free id at or
// above CustomTypeIDOffset.
// The fragment was validated when t was built; it is checked again here so
// a hand-assembled Type cannot reach SQL.
func (r *Registry) AddType(ctx context.Context, q sqlpkg.Querier, t Type) (int, error) {
	if _, err := ParseTableName(t.Table.String()); err != nil {
		return 0, err
	}

	if t.ID < 0 {
		id, err := r.nextID(ctx, q)
		if err != nil {
			return 0, err
		}
		t.ID = id
	}

	_, err := sqlpkg.Bind(q, r.dialect).ExecContext(ctx,
		"INSERT INTO correlation_types(id, display_name, db_table_name, supported, enabled) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.DisplayName, t.Table.String(), boolInt(t.Supported), boolInt(t.Enabled))
	if err != nil {
		return 0, fmt.Errorf("failed to add correlation type %s: %w", t.DisplayName, err)
	}
	return t.ID, nil
}

// UpdateType rewrites the mutable columns of t.
func (r *Registry) UpdateType(ctx context.Context, q sqlpkg.Querier, t Type) error {
	res, err := sqlpkg.Bind(q, r.dialect).ExecContext(ctx,
		"UPDATE correlation_types SET display_name = ?, db_table_name = ?, supported = ?, enabled = ? WHERE id = ?",
		t.DisplayName, t.Table.String(), boolInt(t.Supported), boolInt(t.Enabled), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update correlation type %d: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("correlation type %d: %w", t.ID, apperrors.ErrNotFound)
	}
	return nil
}

// nextID picks the id for a type registered without one. Built-in rows
// are inserted with explicit ids, which a Postgres serial sequence never
// sees, so the id is derived from the table instead of the sequence.
func (r *Registry) nextID(ctx context.Context, q sqlpkg.Querier) (int, error) {
	var maxID int
	if err := sqlpkg.Bind(q, r.dialect).QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM correlation_types").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to allocate correlation type id: %w", err)
	}
	return max(maxID+1, CustomTypeIDOffset), nil
}

func (r *Registry) isEmpty(ctx context.Context, q sqlpkg.Querier) (bool, error) {
	has, err := sqlpkg.Exists(ctx, q, "SELECT count(*) FROM correlation_types")
	if err != nil {
		return false, fmt.Errorf("failed to count correlation types: %w", err)
	}
	return !has, nil
}

func (r *Registry) query(ctx context.Context, q sqlpkg.Querier, query string, args ...any) ([]Type, error) {
	rows, err := sqlpkg.Bind(q, r.dialect).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation types: %w", err)
	}
	defer rows.Close()

	var types []Type
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read correlation types: %w", err)
	}
	return types, nil
}

func scanType(rows *sql.Rows) (Type, error) {
	var (
		id                 int
		name, fragment     string
		supported, enabled int
	)
	if err := rows.Scan(&id, &name, &fragment, &supported, &enabled); err != nil {
		return Type{}, fmt.Errorf("failed to scan correlation type: %w", err)
	}
	t, err := NewType(id, name, fragment, supported == 1, enabled == 1)
	if err != nil {
		if errors.Is(err, apperrors.ErrSchema) {
			return Type{}, fmt.Errorf("stored correlation type %d: %w", id, err)
		}
		return Type{}, err
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
