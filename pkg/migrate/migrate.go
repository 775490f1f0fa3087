// Package migrate creates a new central repository schema or upgrades an
// existing one to schema.Current. The whole upgrade chain runs in one
// transaction on one connection, under the cross-process upgrade lock when
// the backend is shared.
package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/audit"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/coordination"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/database"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Result reports what Prepare or Upgrade did.
type Result struct {
	From    schema.Version
	To      schema.Version
	Applied []schema.Version
	// Created is set when Prepare built the schema of a new repository.
	Created bool
}

// Upgraded reports whether any step ran.
func (r Result) Upgraded() bool { return len(r.Applied) > 0 }

// Migrator creates or upgrades the repository schema.
type Migrator struct {
	manager database.Manager
	locker  *coordination.Locker
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

// NewMigrator creates a Migrator. locker may be nil, in which case a shared
// backend is changed without the cross-process lock.
func NewMigrator(manager database.Manager, locker *coordination.Locker, auditor *audit.SecurityAuditor, logger *zap.Logger) *Migrator {
	return &Migrator{
		manager: manager,
		locker:  locker,
		auditor: auditor,
		logger:  logger.Named("migrate"),
	}
}

// Prepare creates the schema of a new repository or upgrades an existing
// one. Whether the repository is new is decided under the upgrade lock, so
// two processes opening the same empty database never both create it.
func (m *Migrator) Prepare(ctx context.Context) (Result, error) {
	lock, err := m.lock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer m.unlock(lock)

	var initialized bool
	err = database.Read(ctx, m.manager, func(q sqlpkg.Querier) error {
		var err error
		initialized, err = schema.IsInitialized(ctx, q, m.manager.Dialect())
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if initialized {
		return m.upgrade(ctx, lock)
	}

	if err := checkHeld(lock); err != nil {
		return Result{}, err
	}
	err = m.manager.WithWriteLock(func() error {
		return schema.Initialize(ctx, m.manager.DB(), m.manager.Dialect(), m.logger)
	})
	if err != nil {
		return Result{}, err
	}
	if m.auditor != nil {
		m.auditor.LogSchemaChange(ctx, "", schema.Current.String())
	}
	return Result{To: schema.Current, Created: true}, nil
}

// Upgrade brings the repository to schema.Current. A stored major version
// newer than this software returns apperrors.ErrIncompatibleSchema and
// changes nothing; the caller must then disable the repository.
func (m *Migrator) Upgrade(ctx context.Context) (Result, error) {
	lock, err := m.lock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer m.unlock(lock)
	return m.upgrade(ctx, lock)
}

// lock takes the upgrade lock of a shared backend. It returns nil when the
// backend is not shared or no locker is configured.
func (m *Migrator) lock(ctx context.Context) (*coordination.Lock, error) {
	key := m.manager.LockKey()
	if key == "" || m.locker == nil {
		return nil, nil
	}
	return m.locker.Acquire(ctx, key)
}

func (m *Migrator) unlock(lock *coordination.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(context.Background()); err != nil {
		m.logger.Warn("Failed to release upgrade lock", zap.String("error", logging.SanitizeError(err)))
	}
}

// checkHeld fails when a lock that was held has since been lost.
func checkHeld(lock *coordination.Lock) error {
	if lock != nil && lock.Lost() {
		return fmt.Errorf("%w: upgrade lock expired before the schema change was committed", apperrors.ErrLockAcquisition)
	}
	return nil
}

func (m *Migrator) upgrade(ctx context.Context, lock *coordination.Lock) (Result, error) {
	var result Result
	err := m.manager.WithWriteLock(func() error {
		conn, err := m.manager.ConnectWithForeignKeys(ctx, false)
		if err != nil {
			return err
		}
		defer conn.Close()

		return database.InTx(ctx, conn, m.manager.Dialect(), func(q sqlpkg.Querier) error {
			if result, err = m.run(ctx, q); err != nil {
				return err
			}
			return checkHeld(lock)
		})
	})
	if err != nil {
		return Result{}, err
	}

	if result.Upgraded() && m.auditor != nil {
		m.auditor.LogSchemaChange(ctx, result.From.String(), result.To.String())
	}
	return result, nil
}

func (m *Migrator) run(ctx context.Context, q sqlpkg.Querier) (Result, error) {
	d := m.manager.Dialect()
	stored, err := schema.ReadVersion(ctx, q, d)
	if err != nil {
		return Result{}, err
	}
	result := Result{From: stored, To: stored}

	switch {
	case stored.Major > schema.Current.Major:
		return Result{}, fmt.Errorf("%w: repository is %s, software supports %d.x",
			apperrors.ErrIncompatibleSchema, stored, schema.Current.Major)
	case stored.Compare(schema.Current) == 0:
		m.logger.Info("Central repository schema is up to date", zap.Stringer("version", stored))
		return result, nil
	case schema.Current.Less(stored):
		m.logger.Info("Central repository schema is newer than this software, leaving it untouched",
			zap.Stringer("stored", stored), zap.Stringer("current", schema.Current))
		return result, nil
	}

	u := &upgrade{q: q, d: d, b: schema.NewBuilder(d), logger: m.logger}
	for _, s := range steps {
		if !stored.Less(s.target) {
			continue
		}
		m.logger.Info("Applying schema upgrade", zap.Stringer("target", s.target))
		if err := s.apply(u, ctx); err != nil {
			return Result{}, fmt.Errorf("failed to upgrade schema to %s: %w", s.target, err)
		}
		result.Applied = append(result.Applied, s.target)
	}

	if err := schema.WriteVersion(ctx, q, d, schema.Current); err != nil {
		return Result{}, err
	}
	result.To = schema.Current
	m.logger.Info("Central repository schema upgraded",
		zap.Stringer("from", result.From), zap.Stringer("to", result.To))
	return result, nil
}
