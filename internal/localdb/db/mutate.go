package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

func encodeFields(fields schema.Fields) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(data), nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func (tx *Tx) insert(rec *Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = tx.sqlTx.ExecContext(tx.ctx, `
		INSERT INTO records (table_name, id, fields, created_at, updated_at, deleted_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.ID, fields,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), nullMillis(rec.DeletedAt),
		string(rec.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func (tx *Tx) overwrite(rec *Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = tx.sqlTx.ExecContext(tx.ctx, `
		UPDATE records
		SET fields = ?, created_at = ?, updated_at = ?, deleted_at = ?, sync_status = ?
		WHERE table_name = ? AND id = ?`,
		fields, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), nullMillis(rec.DeletedAt),
		string(rec.SyncStatus), rec.Table, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// Create inserts a new record. init may set ID and Fields on the draft; any
// other attribute it sets is ignored. An empty ID gets a random UUID. The
// new record has status created and createdAt equal to updatedAt.
func (tx *Tx) Create(table string, init func(rec *Record)) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	tbl, err := tx.db.registry.Table(table)
	if err != nil {
		return nil, err
	}

	draft := &Record{Table: table, Fields: schema.Fields{}}
	if init != nil {
		init(draft)
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}

	fields, err := tbl.Normalize(draft.Fields)
	if err != nil {
		return nil, err
	}

	if _, err := find(tx.ctx, tx.sqlTx, table, draft.ID); err == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateID, table, draft.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := tx.db.stamp(time.Time{})
	rec := &Record{
		ID:         draft.ID,
		Table:      table,
		Fields:     fields,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: StatusCreated,
	}
	if err := tx.insert(rec); err != nil {
		return nil, err
	}
	tx.record(table, rec.ID, OpCreate)
	return rec, nil
}

// Update applies mutate to a copy of the stored fields and writes the result.
// A record that was never pushed stays created; otherwise it becomes updated.
// Updating a tombstone fails with ErrRecordDeleted.
func (tx *Tx) Update(rec *Record, mutate func(fields schema.Fields)) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrNotFound)
	}
	tbl, err := tx.db.registry.Table(rec.Table)
	if err != nil {
		return nil, err
	}
	current, err := find(tx.ctx, tx.sqlTx, rec.Table, rec.ID)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordDeleted, rec.Table, rec.ID)
	}

	fields := current.Fields.Clone()
	if mutate != nil {
		mutate(fields)
	}
	normalized, err := tbl.Normalize(fields)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Fields = normalized
	next.UpdatedAt = tx.db.stamp(current.UpdatedAt)
	if current.SyncStatus != StatusCreated {
		next.SyncStatus = StatusUpdated
	}
	if err := tx.overwrite(next); err != nil {
		return nil, err
	}
	tx.record(next.Table, next.ID, OpUpdate)
	return next, nil
}

// MarkAsDeleted soft-deletes a record so the deletion can be pushed.
// Deleting a tombstone again is a no-op.
func (tx *Tx) MarkAsDeleted(rec *Record) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrNotFound)
	}
	current, err := find(tx.ctx, tx.sqlTx, rec.Table, rec.ID)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return current, nil
	}

	next := current.Clone()
	now := tx.db.stamp(current.UpdatedAt)
	next.UpdatedAt = now
	next.DeletedAt = &now
	next.SyncStatus = StatusDeleted
	if err := tx.overwrite(next); err != nil {
		return nil, err
	}
	tx.record(next.Table, next.ID, OpDelete)
	return next, nil
}

// Purge physically removes a tombstone the server has acknowledged.
// Anything else fails with ErrNotPurgeable.
func (tx *Tx) Purge(rec *Record) error {
	if err := tx.check(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrNotFound)
	}
	current, err := find(tx.ctx, tx.sqlTx, rec.Table, rec.ID)
	if err != nil {
		return err
	}
	if !current.IsDeleted() || current.SyncStatus != StatusSynced {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotPurgeable, rec.Table, rec.ID, current.SyncStatus)
	}
	if _, err := tx.sqlTx.ExecContext(tx.ctx,
		"DELETE FROM records WHERE table_name = ? AND id = ?", rec.Table, rec.ID); err != nil {
		return fmt.Errorf("failed to purge %s/%s: %w", rec.Table, rec.ID, err)
	}
	tx.record(rec.Table, rec.ID, OpPurge)
	return nil
}

// PurgeTombstones removes every acknowledged tombstone deleted before the
// cutoff and returns how many were removed.
func (tx *Tx) PurgeTombstones(before time.Time) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}

	rows, err := tx.sqlTx.QueryContext(tx.ctx, `
		SELECT table_name, id FROM records
		WHERE deleted_at IS NOT NULL AND deleted_at < ? AND sync_status = 'synced'`,
		toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to find tombstones: %w", err)
	}
	var victims []Change
	for rows.Next() {
		c := Change{Op: OpPurge}
		if err := rows.Scan(&c.Table, &c.ID); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		victims = append(victims, c)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, c := range victims {
		if _, err := tx.sqlTx.ExecContext(tx.ctx,
			"DELETE FROM records WHERE table_name = ? AND id = ?", c.Table, c.ID); err != nil {
			return 0, fmt.Errorf("failed to purge %s/%s: %w", c.Table, c.ID, err)
		}
		tx.record(c.Table, c.ID, OpPurge)
	}
	return len(victims), nil
}
