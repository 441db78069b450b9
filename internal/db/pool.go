// Package db provides the pgx pool abstraction and transaction helper shared
// by the Postgres store.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool used by the store. pgxmock's
// PgxPoolIface satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// InTx runs fn inside a transaction and commits it. The transaction is
// rolled back when fn returns an error.
func InTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// TxPool exposes an open transaction as a Pool. Begin opens a savepoint,
// so helpers like InTx nest inside the outer transaction. Close is a no-op.
func TxPool(tx pgx.Tx) Pool {
	return txPool{tx}
}

type txPool struct {
	pgx.Tx
}

func (t txPool) Ping(ctx context.Context) error {
	_, err := t.Exec(ctx, "SELECT 1")
	return err
}

func (txPool) Close() {}
