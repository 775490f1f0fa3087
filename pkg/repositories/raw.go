package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/audit"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// RowCallback is called once per result row. Returning an error stops the
// iteration and is returned to the caller.
type RowCallback func(row *sql.Rows) error

// InstanceCallback is called once per stored instance.
type InstanceCallback func(inst *models.AttributeInstance) error

// RawRepository runs caller-supplied SQL. Statements must be a single
// statement written with ? placeholders; every value is bound, never
// spliced into the text. String arguments that look like injection
// payloads are still bound but are reported to the security audit log.
type RawRepository interface {
	// ExecuteCommand runs one write statement and returns the rows affected.
	ExecuteCommand(ctx context.Context, statement string, args ...any) (int64, error)
	// ExecuteQuery runs one read statement and feeds every row to cb.
	ExecuteQuery(ctx context.Context, statement string, args []any, cb RowCallback) error
	// InsertReturningID runs one insert and returns the generated id.
	InsertReturningID(ctx context.Context, statement string, args ...any) (int64, error)

	// ProcessInstanceTable feeds every instance of t to cb.
	ProcessInstanceTable(ctx context.Context, t correlation.Type, cb InstanceCallback) error
	// ProcessInstanceTableWhere feeds the instances of t matching where to
	// cb. where is a condition over the instance columns aliased i; its
	// values must be passed in args.
	ProcessInstanceTableWhere(ctx context.Context, t correlation.Type, where string, args []any, cb InstanceCallback) error
}

// screen validates a raw statement and audits it and its arguments.
func (r *centralRepository) screen(ctx context.Context, statement string, args []any) (string, error) {
	normalized, err := sqlpkg.ValidateAndNormalize(statement)
	if err != nil {
		r.auditor.LogStatementRejected(ctx, logging.SanitizeStatement(statement), err.Error())
		return "", fmt.Errorf("%w: %w", apperrors.ErrInvalidArgument, err)
	}
	for _, hit := range sqlpkg.CheckArguments(args) {
		r.auditor.LogInjectionAttempt(ctx, audit.SQLInjectionDetails{
			Position:    hit.Position,
			Value:       logging.TruncateString(hit.Value, logging.MaxStatementLogLength),
			Fingerprint: hit.Fingerprint,
			Statement:   logging.SanitizeStatement(normalized),
		})
	}
	r.auditor.LogStatementExecution(ctx, logging.SanitizeStatement(normalized))
	return normalized, nil
}

func (r *centralRepository) ExecuteCommand(ctx context.Context, statement string, args ...any) (int64, error) {
	statement, err := r.screen(ctx, statement, args)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = r.write(ctx, "execute command", func(q sqlpkg.Querier) error {
		res, err := q.ExecContext(ctx, statement, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (r *centralRepository) ExecuteQuery(ctx context.Context, statement string, args []any, cb RowCallback) error {
	statement, err := r.screen(ctx, statement, args)
	if err != nil {
		return err
	}
	return r.read(ctx, "execute query", func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, statement, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := cb(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (r *centralRepository) InsertReturningID(ctx context.Context, statement string, args ...any) (int64, error) {
	statement, err := r.screen(ctx, statement, args)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.write(ctx, "execute insert", func(q sqlpkg.Querier) error {
		var err error
		id, err = r.dialect.InsertReturningID(ctx, q, statement, args...)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: %w", apperrors.ErrConflict, err)
		}
		return err
	})
	return id, err
}

func (r *centralRepository) ProcessInstanceTable(ctx context.Context, t correlation.Type, cb InstanceCallback) error {
	return r.processInstances(ctx, t, "", nil, cb)
}

func (r *centralRepository) ProcessInstanceTableWhere(ctx context.Context, t correlation.Type, where string, args []any, cb InstanceCallback) error {
	if _, err := r.screen(ctx, where, args); err != nil {
		return err
	}
	return r.processInstances(ctx, t, where, args, cb)
}

func (r *centralRepository) processInstances(ctx context.Context, t correlation.Type, where string, args []any, cb InstanceCallback) error {
	if err := checkType(t); err != nil {
		return err
	}
	query := instanceSelect(t)
	if where != "" {
		query += " WHERE " + where
	}
	return r.read(ctx, "process "+t.InstanceTable(), func(q sqlpkg.Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			inst, err := scanInstance(rows, t)
			if err != nil {
				return err
			}
			if err := cb(inst); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
