package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Resolution reports what applying one pulled change did to the local copy.
type Resolution int

const (
	// Applied means the remote value replaced the local one.
	Applied Resolution = iota
	// Skipped means the local copy already matched, or there was nothing to delete.
	Skipped
	// KeptLocal means the local edit is newer and will be pushed.
	KeptLocal
	// KeptLocalDelete means a pending local delete outranks the remote edit.
	KeptLocalDelete
	// DiscardedLocal means the remote value won over unpushed local changes.
	DiscardedLocal
)

func (r Resolution) String() string {
	switch r {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case KeptLocal:
		return "kept-local"
	case KeptLocalDelete:
		return "kept-local-delete"
	case DiscardedLocal:
		return "discarded-local"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// DirtyRecords returns the records of table that have unpushed changes,
// tombstones included.
func (db *DB) DirtyRecords(ctx context.Context, table string) ([]*Record, error) {
	if _, err := db.registry.Table(table); err != nil {
		return nil, err
	}
	return Collect(query(ctx, db.conn,
		"SELECT "+recordColumns+` FROM records
		 WHERE table_name = ? AND sync_status != 'synced'
		 ORDER BY updated_at, id`, []any{table}))
}

// AllDirty returns dirty records for every registered table that has any.
func (db *DB) AllDirty(ctx context.Context) (map[string][]*Record, error) {
	out := make(map[string][]*Record)
	for _, name := range db.registry.Names() {
		recs, err := db.DirtyRecords(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			out[name] = recs
		}
	}
	return out, nil
}

// DirtyCount returns the number of records waiting to be pushed.
func (db *DB) DirtyCount(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE sync_status != 'synced'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty records: %w", err)
	}
	return n, nil
}

// MarkSynced records that the server accepted rec as pushed. It only applies
// if the stored record still has rec's updatedAt, so an edit made while the
// push was in flight stays dirty. Reports whether the status changed.
func (tx *Tx) MarkSynced(rec *Record) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	res, err := tx.sqlTx.ExecContext(tx.ctx, `
		UPDATE records SET sync_status = 'synced'
		WHERE table_name = ? AND id = ? AND updated_at = ? AND sync_status != 'synced'`,
		rec.Table, rec.ID, toMillis(rec.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s synced: %w", rec.Table, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	tx.record(rec.Table, rec.ID, OpSynced)
	return true, nil
}

// MarkSyncedFromPull applies a record received from the server.
//
// Conflict rules:
//   - absent locally: inserted as synced
//   - local synced: overwritten
//   - local pending delete: kept, the delete is pushed next
//   - local created or updated: the remote value wins unless the local
//     updatedAt is strictly newer, in which case the local edit is kept
//
// remote.Fields are validated against the table schema. Columns the local
// schema does not declare are dropped and logged. Remote timestamps are
// stored as given.
func (tx *Tx) MarkSyncedFromPull(table string, remote *Record) (Resolution, error) {
	if err := tx.check(); err != nil {
		return Skipped, err
	}
	tbl, err := tx.db.registry.Table(table)
	if err != nil {
		return Skipped, err
	}
	declared, unknown := tbl.Declared(remote.Fields)
	if len(unknown) > 0 {
		tx.db.logger.Printf("pulled %s/%s: ignoring unknown columns %v", table, remote.ID, unknown)
	}
	fields, err := tbl.Normalize(declared)
	if err != nil {
		return Skipped, err
	}

	incoming := &Record{
		ID:         remote.ID,
		Table:      table,
		Fields:     fields,
		CreatedAt:  remote.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:  remote.UpdatedAt.UTC().Truncate(time.Millisecond),
		SyncStatus: StatusSynced,
	}
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = tx.db.stamp(time.Time{})
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = incoming.UpdatedAt
	}

	local, err := find(tx.ctx, tx.sqlTx, table, remote.ID)
	if errors.Is(err, ErrNotFound) {
		if err := tx.insert(incoming); err != nil {
			return Skipped, err
		}
		tx.record(table, remote.ID, OpRemote)
		return Applied, nil
	}
	if err != nil {
		return Skipped, err
	}

	res := Applied
	switch local.SyncStatus {
	case StatusDeleted:
		return KeptLocalDelete, nil
	case StatusCreated, StatusUpdated:
		if local.UpdatedAt.After(incoming.UpdatedAt) {
			return KeptLocal, nil
		}
		// An identical copy is the echo of a push whose reply was lost.
		if !local.UpdatedAt.Equal(incoming.UpdatedAt) || !reflect.DeepEqual(local.Fields, incoming.Fields) {
			res = DiscardedLocal
			tx.db.logger.Printf("conflict on %s/%s: remote edit at %s replaces local edit at %s",
				table, remote.ID, incoming.UpdatedAt.Format(time.RFC3339Nano), local.UpdatedAt.Format(time.RFC3339Nano))
		}
	case StatusSynced:
		if !local.IsDeleted() && local.UpdatedAt.Equal(incoming.UpdatedAt) &&
			reflect.DeepEqual(local.Fields, incoming.Fields) {
			return Skipped, nil
		}
	}

	if err := tx.overwrite(incoming); err != nil {
		return Skipped, err
	}
	tx.record(table, remote.ID, OpRemote)
	return res, nil
}

// ApplyRemoteDelete applies a deletion received from the server. The local
// record becomes an acknowledged tombstone, discarding any pending edit.
// A record that is absent locally is skipped.
func (tx *Tx) ApplyRemoteDelete(table, id string) (Resolution, error) {
	if err := tx.check(); err != nil {
		return Skipped, err
	}
	if _, err := tx.db.registry.Table(table); err != nil {
		return Skipped, err
	}

	local, err := find(tx.ctx, tx.sqlTx, table, id)
	if errors.Is(err, ErrNotFound) {
		return Skipped, nil
	}
	if err != nil {
		return Skipped, err
	}
	if local.IsDeleted() && local.SyncStatus == StatusSynced {
		return Skipped, nil
	}

	res := Applied
	if local.SyncStatus == StatusCreated || local.SyncStatus == StatusUpdated {
		res = DiscardedLocal
		tx.db.logger.Printf("conflict on %s/%s: remote delete discards local edit", table, id)
	}

	next := local.Clone()
	now := tx.db.stamp(local.UpdatedAt)
	next.UpdatedAt = now
	if next.DeletedAt == nil {
		next.DeletedAt = &now
	}
	next.SyncStatus = StatusSynced
	if err := tx.overwrite(next); err != nil {
		return Skipped, err
	}
	tx.record(table, id, OpRemote)
	return res, nil
}
