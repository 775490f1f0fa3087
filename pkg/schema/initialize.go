package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// ExecAll runs stmts in order, stopping at the first failure.
func ExecAll(ctx context.Context, q sqlpkg.Querier, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", truncateStatement(stmt), err)
		}
	}
	return nil
}

// IsInitialized reports whether db_info exists.
func IsInitialized(ctx context.Context, q sqlpkg.Querier, d sqlpkg.Dialect) (bool, error) {
	return sqlpkg.TableExists(ctx, q, d, "db_info")
}

// Initialize creates a repository at the Current version in one
// transaction: tables for the default types, db_info rows (including the
// creation version) and default content. Re-running it is a no-op.
func Initialize(ctx context.Context, db *sql.DB, d sqlpkg.Dialect, logger *zap.Logger) (err error) {
	logger = logger.Named("schema")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error("Failed to roll back schema initialization", zap.Error(rbErr))
			}
		}
	}()

	types := correlation.DefaultTypes()
	if err = ExecAll(ctx, tx, NewBuilder(d).CreateStatements(types)); err != nil {
		return err
	}

	major, minor := strconv.Itoa(Current.Major), strconv.Itoa(Current.Minor)
	for _, row := range [][2]string{
		{MajorVersionKey, major},
		{MinorVersionKey, minor},
		{CreationMajorVersionKey, major},
		{CreationMinorVersionKey, minor},
	} {
		if err = NewDbInfo(ctx, tx, d, row[0], row[1]); err != nil {
			return err
		}
	}

	if err = InsertDefaultContent(ctx, tx, d, types); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema initialization: %w", err)
	}
	logger.Info("Central repository schema initialized",
		zap.String("backend", string(d.Kind())),
		zap.Stringer("version", Current),
		zap.Int("correlation_types", len(types)))
	return nil
}

func truncateStatement(stmt string) string {
	const max = 80
	if len(stmt) > max {
		return stmt[:max] + "..."
	}
	return stmt
}
