package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

const sqliteMaxOpenConns = 4

// SQLiteManager serves the embedded single-file backend. Every repository
// operation runs under rw: shared for reads, exclusive for writes.
type SQLiteManager struct {
	path     string
	db       *sql.DB
	rw       sync.RWMutex
	disabled atomic.Bool
	logger   *zap.Logger
}

// SQLiteDSN returns the modernc DSN for path with the connection pragmas.
func SQLiteDSN(path string) string {
	q := url.Values{"_pragma": sqlpkg.SQLite.ConnectionPragmas()}
	return "file:" + path + "?" + q.Encode()
}

// NewSQLiteManager opens the database file, creating it if needed.
func NewSQLiteManager(ctx context.Context, cfg *config.SQLiteConfig, logger *zap.Logger) (*SQLiteManager, error) {
	path := cfg.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, connectivity("create repository directory", err)
	}

	db, err := sql.Open(sqlpkg.SQLite.DriverName(), SQLiteDSN(path))
	if err != nil {
		return nil, connectivity("open "+path, err)
	}
	db.SetMaxOpenConns(sqliteMaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, connectivity("open "+path, err)
	}

	logger.Named("sqlite").Info("Opened embedded central repository", zap.String("path", path))
	return &SQLiteManager{path: path, db: db, logger: logger.Named("sqlite")}, nil
}

func (m *SQLiteManager) Dialect() sqlpkg.Dialect { return sqlpkg.SQLite }
func (m *SQLiteManager) DB() *sql.DB             { return m.db }
func (m *SQLiteManager) Identity() string        { return m.path }
func (m *SQLiteManager) LockKey() string         { return "" }

func (m *SQLiteManager) SetDisabled(disabled bool) { m.disabled.Store(disabled) }
func (m *SQLiteManager) Disabled() bool            { return m.disabled.Load() }

func (m *SQLiteManager) Connect(ctx context.Context) (*Conn, error) {
	return m.ConnectWithForeignKeys(ctx, true)
}

// ConnectWithForeignKeys toggles PRAGMA foreign_keys on the borrowed
// connection and restores it on Close.
func (m *SQLiteManager) ConnectWithForeignKeys(ctx context.Context, enabled bool) (*Conn, error) {
	if m.Disabled() {
		return nil, apperrors.ErrRepositoryDisabled
	}
	c, err := m.db.Conn(ctx)
	if err != nil {
		return nil, connectivity("connect to "+m.path, err)
	}
	conn := &Conn{Conn: c}
	if enabled {
		return conn, nil
	}

	if _, err := c.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		c.Close()
		return nil, connectivity("disable foreign keys", err)
	}
	conn.release = func(ctx context.Context) error {
		_, err := c.ExecContext(ctx, "PRAGMA foreign_keys = ON")
		return err
	}
	return conn, nil
}

func (m *SQLiteManager) EphemeralConnection(ctx context.Context) (*sql.DB, error) {
	if m.Disabled() {
		return nil, apperrors.ErrRepositoryDisabled
	}
	db, err := sql.Open(sqlpkg.SQLite.DriverName(), SQLiteDSN(m.path))
	if err != nil {
		return nil, connectivity("open "+m.path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, connectivity("open "+m.path, err)
	}
	return db, nil
}

func (m *SQLiteManager) WithReadLock(fn func() error) error {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return fn()
}

func (m *SQLiteManager) WithWriteLock(fn func() error) error {
	m.rw.Lock()
	defer m.rw.Unlock()
	return fn()
}

// Shutdown waits for in-flight operations and closes the file.
func (m *SQLiteManager) Shutdown() error {
	m.rw.Lock()
	defer m.rw.Unlock()
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", m.path, err)
	}
	m.logger.Info("Closed embedded central repository", zap.String("path", m.path))
	return nil
}

type sqliteProvisioner struct {
	cfg    config.SQLiteConfig
	logger *zap.Logger
}

func (p *sqliteProvisioner) VerifyDatabaseExists(ctx context.Context) (bool, error) {
	info, err := os.Stat(p.cfg.Path())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, connectivity("stat "+p.cfg.Path(), err)
	}
	return info.Mode().IsRegular(), nil
}

// CreateDatabase creates the directory and an empty database file.
func (p *sqliteProvisioner) CreateDatabase(ctx context.Context) error {
	m, err := NewSQLiteManager(ctx, &p.cfg, p.logger)
	if err != nil {
		return err
	}
	return m.Shutdown()
}

// DeleteDatabase removes the database file and its WAL side files.
func (p *sqliteProvisioner) DeleteDatabase(ctx context.Context) error {
	path := p.cfg.Path()
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: failed to delete %s: %w", apperrors.ErrStorage, f, err)
		}
	}
	p.logger.Info("Deleted embedded central repository", zap.String("path", path))
	return nil
}
