package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction. It is only valid inside the Update callback
// that received it; afterwards every method returns ErrTransactionRequired.
type Tx struct {
	db      *DB
	sqlTx   *sql.Tx
	ctx     context.Context
	changes []Change
	closed  atomic.Bool
}

// Context returns the transaction's context. Passing it to Update fails
// with ErrNestedTransaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) check() error {
	if tx == nil || tx.sqlTx == nil || tx.closed.Load() {
		return ErrTransactionRequired
	}
	return nil
}

func (tx *Tx) record(table, id string, op ChangeOp) {
	tx.changes = append(tx.changes, Change{Table: table, ID: id, Op: op})
}

// Update runs fn inside one write transaction. If fn returns an error or
// panics, every write it made is rolled back; otherwise the transaction
// commits atomically and a CommitEvent is published.
//
// Write transactions are serialized. Waiting for the write lock honors ctx.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if ctx.Value(txKey{}) != nil {
		return ErrNestedTransaction
	}

	select {
	case db.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-db.writeSem }()

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{
		db:    db,
		sqlTx: sqlTx,
		ctx:   context.WithValue(ctx, txKey{}, true),
	}
	defer tx.closed.Store(true)

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	tx.closed.Store(true)
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if len(tx.changes) > 0 {
		db.seq++
		db.publish(CommitEvent{Seq: db.seq, Changes: tx.changes})
	}
	return nil
}
