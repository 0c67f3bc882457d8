package db

import (
	"fmt"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// SyncStatus describes a record's relationship to the last known server state.
type SyncStatus string

const (
	// StatusSynced means the server holds the same value.
	StatusSynced SyncStatus = "synced"
	// StatusCreated means the record has never been pushed.
	StatusCreated SyncStatus = "created"
	// StatusUpdated means local edits are waiting to be pushed.
	StatusUpdated SyncStatus = "updated"
	// StatusDeleted means a local soft delete is waiting to be pushed.
	StatusDeleted SyncStatus = "deleted"
)

// IsValid reports whether s is a known status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusSynced, StatusCreated, StatusUpdated, StatusDeleted:
		return true
	}
	return false
}

// Record is one row of a table.
type Record struct {
	ID         string        `json:"id"`
	Table      string        `json:"table"`
	Fields     schema.Fields `json:"fields"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	DeletedAt  *time.Time    `json:"deletedAt,omitempty"`
	SyncStatus SyncStatus    `json:"syncStatus"`
}

// IsDeleted reports whether the record is a tombstone.
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// IsDirty reports whether the record has changes the server has not acknowledged.
func (r *Record) IsDirty() bool {
	return r.SyncStatus != StatusSynced
}

// Get returns a field value, or nil when the column is unset.
func (r *Record) Get(column string) any {
	return r.Fields[column]
}

// String returns a field value formatted for display.
func (r *Record) String(column string) string {
	v := r.Fields[column]
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a copy that does not share the field map.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = r.Fields.Clone()
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// ChangeOp identifies what a committed transaction did to a record.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
	OpPurge  ChangeOp = "purge"
	OpSynced ChangeOp = "synced"
	OpRemote ChangeOp = "remote"
)

// Change is one record touched by a transaction.
type Change struct {
	Table string   `json:"table"`
	ID    string   `json:"id"`
	Op    ChangeOp `json:"op"`
}

// CommitEvent is published after every write transaction that changed at
// least one record. Seq increases by one per event.
type CommitEvent struct {
	Seq     uint64   `json:"seq"`
	Changes []Change `json:"changes"`
}

// Touches reports whether the event changed any record of table.
func (e CommitEvent) Touches(table string) bool {
	for _, c := range e.Changes {
		if c.Table == table {
			return true
		}
	}
	return false
}

// Clock supplies wall-clock time to the store.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
