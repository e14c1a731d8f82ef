// Package errors holds cleanup helpers for deferred Close and Rollback calls
// whose errors would otherwise be dropped.
package errors

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs a failure at warn level with msg.
//
//	defer errors.DeferClose(logger, rows, "close preview rows")
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls back a database/sql transaction. sql.ErrTxDone, which
// follows a successful commit, is not logged.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !stderrors.Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("Transaction rollback failed")
	}
}

// DeferRollbackTx rolls back a pgx transaction. pgx.ErrTxClosed, which
// follows a successful commit, is not logged.
func DeferRollbackTx(ctx context.Context, logger zerolog.Logger, tx pgx.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(ctx); err != nil && !stderrors.Is(err, pgx.ErrTxClosed) {
		logger.Warn().Err(err).Msg("Transaction rollback failed")
	}
}

// Must panics when err is set. Only for start-up wiring that cannot fail at
// run time, such as embedded file systems.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: %v", err))
	}
	return v
}
