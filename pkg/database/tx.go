package database

import (
	"context"
	"database/sql"
	"fmt"
)

// TxFunc is the body of a transaction
type TxFunc func(tx *sql.Tx) error

// WithTx runs fn inside a transaction. The transaction commits only when
// fn returns nil; any error, panic or context cancellation rolls it back.
func WithTx(ctx context.Context, db *sql.DB, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
