package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// WithTx runs fn inside a RepeatableRead transaction. fn's error rolls the transaction
// back; a serialization failure, from fn or from commit, surfaces as
// shared.ErrConcurrentUpdate so callers can retry or return 409.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return runTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

// ReadOnly runs fn inside a read-only RepeatableRead transaction, giving a consistent
// snapshot across several queries.
func ReadOnly(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return runTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func runTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) && err == nil {
			err = fmt.Errorf("platform/db: rollback: %w", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		if shared.IsSerializationFailure(err) {
			return classify(err)
		}
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

func classify(err error) error {
	if shared.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", shared.ErrConcurrentUpdate, err)
	}
	return err
}
