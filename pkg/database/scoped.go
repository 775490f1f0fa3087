package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// Read runs fn on a borrowed connection under the shared lock. The
// connection is released before Read returns.
func Read(ctx context.Context, m Manager, fn func(sqlpkg.Querier) error) error {
	return m.WithReadLock(func() error {
		return withConn(ctx, m, true, fn)
	})
}

// Write runs fn on a borrowed connection under the exclusive lock.
func Write(ctx context.Context, m Manager, fn func(sqlpkg.Querier) error) error {
	return m.WithWriteLock(func() error {
		return withConn(ctx, m, true, fn)
	})
}

// WriteTx runs fn in one transaction under the exclusive lock. The
// transaction commits only if fn returns nil.
func WriteTx(ctx context.Context, m Manager, fn func(sqlpkg.Querier) error) error {
	return m.WithWriteLock(func() error {
		conn, err := m.Connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		return InTx(ctx, conn, m.Dialect(), fn)
	})
}

// InTx runs fn inside a transaction on conn.
func InTx(ctx context.Context, conn *Conn, d sqlpkg.Dialect, fn func(sqlpkg.Querier) error) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
			}
		}
	}()

	if err = fn(sqlpkg.Bind(tx, d)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func withConn(ctx context.Context, m Manager, foreignKeys bool, fn func(sqlpkg.Querier) error) error {
	conn, err := m.ConnectWithForeignKeys(ctx, foreignKeys)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(sqlpkg.Bind(conn, m.Dialect()))
}
