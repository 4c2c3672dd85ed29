package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// ErrBusy is returned when another transaction holds the rows past the lock
// timeout or wins a serialization race. It maps to 409 so clients refetch.
var ErrBusy = fmt.Errorf("platform/db: rows are being changed elsewhere, try again: %w", httpx.ErrConflict)

// lockTimeout bounds how long a transaction waits on SELECT ... FOR UPDATE.
const lockTimeout = "3s"

// WithTx executes fn within a RepeatableRead transaction. Row locks taken in fn
// fail after lockTimeout instead of queueing behind a stuck terminal.
func WithTx(ctx context.Context, b TxBeginner, fn func(pgx.Tx) error) error {
	tx, err := b.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return fmt.Errorf("platform/db: set lock timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		if IsContention(err) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if IsContention(err) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
