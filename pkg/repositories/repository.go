// Package repositories is the facade every caller uses to read and write
// the central repository. It runs the same SQL on both backends through
// the dialect layer and maps driver errors into the apperrors taxonomy.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/audit"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/models"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/retry"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

const (
	cacheSize = 5000
	cacheTTL  = 5 * time.Minute

	// DefaultBulkThreshold is used when the settings carry no threshold.
	DefaultBulkThreshold = 1000
)

// CentralRepository is the full facade. It is safe for concurrent use.
//
// Callers must not hold a borrowed connection across Shutdown or a
// settings change; the facade does not count outstanding work.
type CentralRepository interface {
	CaseRepository
	DataSourceRepository
	OrganizationRepository
	InstanceRepository
	BulkRepository
	ReferenceSetRepository
	AccountRepository
	CorrelationTypeRepository
	RawRepository

	// GetDbInfo, NewDbInfo and UpdateDbInfo read and write db_info rows.
	GetDbInfo(ctx context.Context, name string) (string, error)
	NewDbInfo(ctx context.Context, name, value string) error
	UpdateDbInfo(ctx context.Context, name, value string) error

	// ClearCaches drops every cached case, data source, type and account.
	ClearCaches()
	// Reset deletes all content and reinstalls the default rows. Tests only.
	Reset(ctx context.Context) error
	// Shutdown discards pending bulk rows and closes the backend.
	Shutdown() error
}

type centralRepository struct {
	manager       database.Manager
	dialect       sqlpkg.Dialect
	builder       *schema.Builder
	registry      *correlation.Registry
	auditor       *audit.SecurityAuditor
	logger        *zap.Logger
	bulkThreshold int

	casesByUID       *expirable.LRU[string, models.Case]
	casesByID        *expirable.LRU[int64, models.Case]
	dataSourcesByObj *expirable.LRU[string, models.DataSource]
	dataSourcesByID  *expirable.LRU[string, models.DataSource]
	types            *expirable.LRU[int, correlation.Type]
	accounts         *expirable.LRU[string, models.Account]

	bulk *bulkBuffer
}

var _ CentralRepository = (*centralRepository)(nil)

// NewCentralRepository wraps an open manager. A non-positive bulkThreshold
// selects DefaultBulkThreshold.
func NewCentralRepository(manager database.Manager, bulkThreshold int, auditor *audit.SecurityAuditor, logger *zap.Logger) CentralRepository {
	if bulkThreshold <= 0 {
		bulkThreshold = DefaultBulkThreshold
	}
	logger = logger.Named("repository")
	if auditor == nil {
		auditor = audit.NewSecurityAuditor(logger, manager.Identity())
	}
	d := manager.Dialect()
	return &centralRepository{
		manager:          manager,
		dialect:          d,
		builder:          schema.NewBuilder(d),
		registry:         correlation.NewRegistry(d),
		auditor:          auditor,
		logger:           logger,
		bulkThreshold:    bulkThreshold,
		casesByUID:       expirable.NewLRU[string, models.Case](cacheSize, nil, cacheTTL),
		casesByID:        expirable.NewLRU[int64, models.Case](cacheSize, nil, cacheTTL),
		dataSourcesByObj: expirable.NewLRU[string, models.DataSource](cacheSize, nil, cacheTTL),
		dataSourcesByID:  expirable.NewLRU[string, models.DataSource](cacheSize, nil, cacheTTL),
		types:            expirable.NewLRU[int, correlation.Type](cacheSize, nil, cacheTTL),
		accounts:         expirable.NewLRU[string, models.Account](cacheSize, nil, cacheTTL),
		bulk:             newBulkBuffer(),
	}
}

func (r *centralRepository) read(ctx context.Context, op string, fn func(sqlpkg.Querier) error) error {
	return mapError(op, database.Read(ctx, r.manager, fn))
}

func (r *centralRepository) write(ctx context.Context, op string, fn func(sqlpkg.Querier) error) error {
	return mapError(op, database.Write(ctx, r.manager, fn))
}

func (r *centralRepository) writeTx(ctx context.Context, op string, fn func(sqlpkg.Querier) error) error {
	return mapError(op, database.WriteTx(ctx, r.manager, fn))
}

func (r *centralRepository) GetDbInfo(ctx context.Context, name string) (string, error) {
	var value string
	err := r.read(ctx, "read db_info", func(q sqlpkg.Querier) error {
		var err error
		value, err = schema.GetDbInfo(ctx, q, r.dialect, name)
		return err
	})
	return value, err
}

func (r *centralRepository) NewDbInfo(ctx context.Context, name, value string) error {
	return r.write(ctx, "insert db_info", func(q sqlpkg.Querier) error {
		return schema.NewDbInfo(ctx, q, r.dialect, name, value)
	})
}

func (r *centralRepository) UpdateDbInfo(ctx context.Context, name, value string) error {
	return r.write(ctx, "update db_info", func(q sqlpkg.Querier) error {
		return schema.UpdateDbInfo(ctx, q, r.dialect, name, value)
	})
}

func (r *centralRepository) ClearCaches() {
	r.casesByUID.Purge()
	r.casesByID.Purge()
	r.dataSourcesByObj.Purge()
	r.dataSourcesByID.Purge()
	r.types.Purge()
	r.accounts.Purge()
}

// resetTables lists content tables in an order that satisfies foreign
// keys when deleting.
var resetTables = []string{
	"persona_accounts", "persona_alias", "persona_metadata", "personas", "examiners",
	"accounts", "account_types",
}

func (r *centralRepository) Reset(ctx context.Context) error {
	err := r.writeTx(ctx, "reset repository", func(q sqlpkg.Querier) error {
		types, err := r.registry.DefinedTypes(ctx, q)
		if err != nil {
			return err
		}
		var stmts []string
		for _, t := range types {
			stmts = append(stmts, "DELETE FROM "+t.InstanceTable())
			if t.SupportsReferenceSets() {
				stmts = append(stmts, "DELETE FROM "+t.ReferenceTable())
			}
		}
		for _, table := range resetTables {
			stmts = append(stmts, "DELETE FROM "+table)
		}
		stmts = append(stmts,
			"DELETE FROM reference_sets",
			"DELETE FROM data_sources",
			"DELETE FROM cases",
			"DELETE FROM organizations",
			"DELETE FROM correlation_types",
		)
		if err := schema.ExecAll(ctx, q, stmts); err != nil {
			return err
		}
		return schema.InsertDefaultContent(ctx, q, r.dialect, correlation.DefaultTypes())
	})
	r.ClearCaches()
	r.bulk.reset()
	return err
}

func (r *centralRepository) Shutdown() error {
	if n := r.bulk.reset(); n > 0 {
		r.logger.Warn("Discarding uncommitted bulk instances at shutdown", zap.Int("count", n))
	}
	r.ClearCaches()
	if err := r.manager.Shutdown(); err != nil {
		return mapError("shut down repository", err)
	}
	return nil
}

// classified errors already belong to the taxonomy and pass through
// mapError untouched apart from the operation prefix.
var classified = []error{
	apperrors.ErrRepositoryDisabled,
	apperrors.ErrConnectivity,
	apperrors.ErrStorage,
	apperrors.ErrSchema,
	apperrors.ErrIncompatibleSchema,
	apperrors.ErrLockAcquisition,
	apperrors.ErrNormalization,
	apperrors.ErrNotFound,
	apperrors.ErrConflict,
	apperrors.ErrInvalidArgument,
	context.Canceled,
}

// mapError converts a backend error into ErrConnectivity or ErrStorage so
// no driver error type crosses the facade.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range classified {
		if errors.Is(err, known) {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}
	if retry.IsConnectivity(err) || retry.IsRetryable(err) {
		return fmt.Errorf("%w: failed to %s: %w", apperrors.ErrConnectivity, op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", apperrors.ErrStorage, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

// nullString stores "" as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
