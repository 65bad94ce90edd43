package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrCommitUnknown wraps a commit failure: the transaction may or may not
// have been applied on the server.
var ErrCommitUnknown = errors.New("commit outcome unknown")

// WithTransaction executes fn within a database transaction.
// If fn returns an error the transaction is rolled back, otherwise it is committed.
func (db *DB) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if cErr := tx.Commit(ctx); cErr != nil {
		err = fmt.Errorf("%w: %v", ErrCommitUnknown, cErr)
		return err
	}

	return nil
}
