package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/coordination"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/logging"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/retry"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// PostgresManager serves the networked backend from a bounded pgx pool
// exposed through database/sql.
type PostgresManager struct {
	cfg      config.PostgresConfig
	pool     *pgxpool.Pool
	db       *sql.DB
	disabled atomic.Bool
	logger   *zap.Logger
}

// NewPostgresManager creates the pool and verifies the server answers.
func NewPostgresManager(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*PostgresManager, error) {
	logger = logger.Named("postgres")

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse connection settings: %s",
			apperrors.ErrInvalidArgument, logging.SanitizeError(err))
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*pgxpool.Pool, error) {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		logger.Error("Failed to connect to central repository",
			zap.String("connection", logging.SanitizeConnectionString(cfg.ConnectionString())),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("%w: failed to connect to %s: %s",
			apperrors.ErrConnectivity, identity(cfg), logging.SanitizeError(err))
	}

	logger.Info("Connected to central repository",
		zap.String("repository", identity(cfg)),
		zap.Int32("min_conns", cfg.MinConns),
		zap.Int32("max_conns", cfg.MaxConns))

	return &PostgresManager{
		cfg:    *cfg,
		pool:   pool,
		db:     stdlib.OpenDBFromPool(pool),
		logger: logger,
	}, nil
}

func identity(cfg *config.PostgresConfig) string {
	return cfg.Host + ":" + strconv.Itoa(cfg.Port) + "/" + cfg.Database
}

func (m *PostgresManager) Dialect() sqlpkg.Dialect { return sqlpkg.Postgres }
func (m *PostgresManager) DB() *sql.DB             { return m.db }
func (m *PostgresManager) Identity() string        { return identity(&m.cfg) }
func (m *PostgresManager) LockKey() string         { return coordination.Key(m.cfg.Host, m.cfg.Database) }

func (m *PostgresManager) SetDisabled(disabled bool) { m.disabled.Store(disabled) }
func (m *PostgresManager) Disabled() bool            { return m.disabled.Load() }

// Connect borrows a pooled connection, waiting at most the configured
// checkout timeout.
func (m *PostgresManager) Connect(ctx context.Context) (*Conn, error) {
	if m.Disabled() {
		return nil, apperrors.ErrRepositoryDisabled
	}
	checkoutCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckoutTimeout)
	defer cancel()

	c, err := m.db.Conn(checkoutCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no connection available within %s", apperrors.ErrConnectivity, m.cfg.CheckoutTimeout)
		}
		return nil, connectivity("check out connection", err)
	}
	return &Conn{Conn: c}, nil
}

// ConnectWithForeignKeys ignores enabled; constraints are always enforced.
func (m *PostgresManager) ConnectWithForeignKeys(ctx context.Context, _ bool) (*Conn, error) {
	return m.Connect(ctx)
}

func (m *PostgresManager) EphemeralConnection(ctx context.Context) (*sql.DB, error) {
	if m.Disabled() {
		return nil, apperrors.ErrRepositoryDisabled
	}
	connCfg, err := pgx.ParseConfig(m.cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse connection settings", apperrors.ErrInvalidArgument)
	}
	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, connectivity("open ephemeral connection", err)
	}
	return db, nil
}

// The server's own transaction isolation orders networked callers.
func (m *PostgresManager) WithReadLock(fn func() error) error  { return fn() }
func (m *PostgresManager) WithWriteLock(fn func() error) error { return fn() }

// Shutdown closes the pool. Close blocks until borrowed connections are
// returned.
func (m *PostgresManager) Shutdown() error {
	err := m.db.Close()
	m.pool.Close()
	m.logger.Info("Closed central repository pool", zap.String("repository", m.Identity()))
	if err != nil {
		return fmt.Errorf("failed to close pool: %w", err)
	}
	return nil
}

// postgresProvisioner works through the server's maintenance database
// because a database cannot create or drop itself.
type postgresProvisioner struct {
	cfg    config.PostgresConfig
	logger *zap.Logger
}

const maintenanceDatabase = "postgres"

func (p *postgresProvisioner) admin(ctx context.Context) (*pgx.Conn, error) {
	var conn *pgx.Conn
	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		var err error
		conn, err = pgx.Connect(ctx, p.cfg.ConnectionStringFor(maintenanceDatabase))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reach %s: %s",
			apperrors.ErrConnectivity, p.cfg.Host, logging.SanitizeError(err))
	}
	return conn, nil
}

func (p *postgresProvisioner) VerifyDatabaseExists(ctx context.Context) (bool, error) {
	conn, err := p.admin(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", p.cfg.Database).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to look up database: %w", apperrors.ErrStorage, err)
	}
	return exists, nil
}

func (p *postgresProvisioner) CreateDatabase(ctx context.Context) error {
	conn, err := p.admin(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{p.cfg.Database}.Sanitize()); err != nil {
		return fmt.Errorf("%w: failed to create database %s: %w", apperrors.ErrStorage, p.cfg.Database, err)
	}
	p.logger.Info("Created central repository database", zap.String("database", p.cfg.Database))
	return nil
}

func (p *postgresProvisioner) DeleteDatabase(ctx context.Context) error {
	conn, err := p.admin(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{p.cfg.Database}.Sanitize()); err != nil {
		return fmt.Errorf("%w: failed to drop database %s: %w", apperrors.ErrStorage, p.cfg.Database, err)
	}
	p.logger.Info("Deleted central repository database", zap.String("database", p.cfg.Database))
	return nil
}
