package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	metaLastPulledAt = "last_pulled_at"
	metaLastSyncAt   = "last_sync_at"
)

func getMeta(ctx context.Context, q querier, key string) (time.Time, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt %s %q: %w", key, value, err)
	}
	return t, true, nil
}

func (tx *Tx) setMeta(key string, t time.Time) error {
	_, err := tx.sqlTx.ExecContext(tx.ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Watermark returns the server timestamp of the last successfully completed
// pull. ok is false before the first sync.
func (db *DB) Watermark(ctx context.Context) (t time.Time, ok bool, err error) {
	return getMeta(ctx, db.conn, metaLastPulledAt)
}

// LastSyncAt returns the local time of the last completed sync cycle.
func (db *DB) LastSyncAt(ctx context.Context) (t time.Time, ok bool, err error) {
	return getMeta(ctx, db.conn, metaLastSyncAt)
}

// Watermark reads the watermark inside the transaction.
func (tx *Tx) Watermark() (time.Time, bool, error) {
	if err := tx.check(); err != nil {
		return time.Time{}, false, err
	}
	return getMeta(tx.ctx, tx.sqlTx, metaLastPulledAt)
}

// AdvanceWatermark stores t as the new watermark if it is strictly later
// than the current one. Reports whether it moved.
func (tx *Tx) AdvanceWatermark(t time.Time) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	current, ok, err := getMeta(tx.ctx, tx.sqlTx, metaLastPulledAt)
	if err != nil {
		return false, err
	}
	if ok && !t.After(current) {
		return false, nil
	}
	if err := tx.setMeta(metaLastPulledAt, t); err != nil {
		return false, err
	}
	return true, nil
}

// SetLastSyncAt records when a sync cycle completed.
func (tx *Tx) SetLastSyncAt(t time.Time) error {
	if err := tx.check(); err != nil {
		return err
	}
	return tx.setMeta(metaLastSyncAt, t)
}

// Now returns the store clock's current time in UTC.
func (db *DB) Now() time.Time {
	return db.clock.Now().UTC()
}
