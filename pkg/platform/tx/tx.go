// Package tx carries a SQL transaction through context so several store
// calls can commit together.
package tx

import (
	"context"
	"database/sql"
	"fmt"
)

type ctxKey struct{}

// WithTx stores tx in ctx. Stores called with the returned context join it
// instead of opening their own.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tx)
}

// From returns the transaction carried by ctx, if any.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*sql.Tx)
	return tx, ok
}

// Run calls fn inside the transaction carried by ctx, or inside a new one on
// db that is committed when fn succeeds. A joined transaction is left for its
// owner to commit.
func Run(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return RunWith(ctx, db, nil, fn)
}

// RunWith is Run with explicit options for a newly opened transaction. A
// joined transaction keeps the options its owner chose.
func RunWith(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	if tx, ok := From(ctx); ok {
		return fn(tx)
	}

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
