// Package database opens and guards connections to the central repository
// backends. Both backends are reached through database/sql so the
// repository code runs unchanged on either.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Manager is the contract shared by the embedded and networked backends.
//
// Callers must not hold a borrowed Conn across Shutdown; the manager does
// not count outstanding connections.
type Manager interface {
	Dialect() sqlpkg.Dialect

	// Connect borrows a pooled connection with foreign keys enforced.
	Connect(ctx context.Context) (*Conn, error)
	// ConnectWithForeignKeys borrows a connection with enforcement toggled.
	// The networked backend ignores the flag.
	ConnectWithForeignKeys(ctx context.Context, enabled bool) (*Conn, error)
	// EphemeralConnection opens a throwaway handle outside the pool for
	// bootstrap and tests. The caller closes it.
	EphemeralConnection(ctx context.Context) (*sql.DB, error)
	// DB returns the pooled handle.
	DB() *sql.DB

	// WithReadLock and WithWriteLock serialize in-process callers where the
	// engine requires it. They do not nest.
	WithReadLock(fn func() error) error
	WithWriteLock(fn func() error) error

	SetDisabled(disabled bool)
	Disabled() bool

	// Identity names the repository for logs and audit entries.
	Identity() string
	// LockKey is the coordination key for upgrades, empty when the backend
	// is single-user.
	LockKey() string

	Shutdown() error
}

// Conn is a borrowed connection. Close returns it to the pool.
type Conn struct {
	*sql.Conn
	release func(context.Context) error
}

// Close restores connection state and returns the connection to the pool.
func (c *Conn) Close() error {
	var resetErr error
	if c.release != nil {
		resetErr = c.release(context.Background())
	}
	return errors.Join(resetErr, c.Conn.Close())
}

// Open creates the manager for the configured backend. A disabled backend
// returns apperrors.ErrRepositoryDisabled.
func Open(ctx context.Context, cfg *config.CentralRepoConfig, logger *zap.Logger) (Manager, error) {
	switch {
	case cfg.Backend == config.BackendSQLite:
		return NewSQLiteManager(ctx, &cfg.SQLite, logger)
	case cfg.Backend.IsPostgres():
		return NewPostgresManager(ctx, cfg.ActivePostgres(), logger)
	case cfg.Backend == config.BackendDisabled:
		return nil, apperrors.ErrRepositoryDisabled
	default:
		return nil, fmt.Errorf("%w: backend %q", apperrors.ErrInvalidArgument, cfg.Backend)
	}
}

// Provisioner creates, drops and checks for the repository database itself.
type Provisioner interface {
	VerifyDatabaseExists(ctx context.Context) (bool, error)
	CreateDatabase(ctx context.Context) error
	DeleteDatabase(ctx context.Context) error
}

// NewProvisioner returns the provisioner for the configured backend.
func NewProvisioner(cfg *config.CentralRepoConfig, logger *zap.Logger) (Provisioner, error) {
	switch {
	case cfg.Backend == config.BackendSQLite:
		return &sqliteProvisioner{cfg: cfg.SQLite, logger: logger.Named("provision")}, nil
	case cfg.Backend.IsPostgres():
		return &postgresProvisioner{cfg: *cfg.ActivePostgres(), logger: logger.Named("provision")}, nil
	default:
		return nil, apperrors.ErrRepositoryDisabled
	}
}

func connectivity(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", apperrors.ErrConnectivity, op, err)
}
