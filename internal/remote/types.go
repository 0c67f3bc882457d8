// Package remote speaks the pull/push sync protocol to a farmsync server.
//
// The wire format follows the WatermelonDB sync convention: changes are keyed
// by table, then by created/updated/deleted. Created and updated entries are
// flat JSON objects holding the record id, its field values and the
// createdAt/updatedAt/deletedAt timestamps; deleted entries are bare ids.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// TimeLayout is the wire format of every timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts RFC3339 text with any fractional precision.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Transport moves change sets between the client and the server.
type Transport interface {
	// Pull returns every change with a server modification time strictly
	// after since, or everything when since is nil.
	Pull(ctx context.Context, since *time.Time) (*PullResult, error)

	// Push sends local changes. lastPulledAt lets the server reject a push
	// built on stale data.
	Push(ctx context.Context, changes ChangeSet, lastPulledAt *time.Time) error

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// Record is a record as it travels over the wire.
type Record struct {
	ID        string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

var reservedKeys = []string{"id", "createdAt", "updatedAt", "deletedAt", "_status", "_changed"}

// MarshalJSON flattens the fields next to id and the timestamps.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+4)
	maps.Copy(out, r.Fields)
	out["id"] = r.ID
	out["createdAt"] = FormatTime(r.CreatedAt)
	out["updatedAt"] = FormatTime(r.UpdatedAt)
	if r.DeletedAt != nil {
		out["deletedAt"] = FormatTime(*r.DeletedAt)
	} else {
		out["deletedAt"] = nil
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat wire object back into id, timestamps and
// fields. Timestamps may be RFC3339 strings or unix milliseconds.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, ok := raw["id"].(string)
	if !ok || id == "" {
		return fmt.Errorf("record without string id")
	}
	r.ID = id

	var err error
	if r.CreatedAt, err = wireTime(raw["createdAt"]); err != nil {
		return fmt.Errorf("record %s createdAt: %w", id, err)
	}
	if r.UpdatedAt, err = wireTime(raw["updatedAt"]); err != nil {
		return fmt.Errorf("record %s updatedAt: %w", id, err)
	}
	r.DeletedAt = nil
	if v := raw["deletedAt"]; v != nil {
		t, err := wireTime(v)
		if err != nil {
			return fmt.Errorf("record %s deletedAt: %w", id, err)
		}
		r.DeletedAt = &t
	}

	for _, k := range reservedKeys {
		delete(raw, k)
	}
	r.Fields = raw
	return nil
}

func wireTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		return ParseTime(t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
}

// TableChanges holds one table's share of a change set.
type TableChanges struct {
	Created []*Record `json:"created"`
	Updated []*Record `json:"updated"`
	Deleted []string  `json:"deleted"`
}

// MarshalJSON writes empty lists instead of null.
func (tc TableChanges) MarshalJSON() ([]byte, error) {
	type wire TableChanges
	w := wire(tc)
	if w.Created == nil {
		w.Created = []*Record{}
	}
	if w.Updated == nil {
		w.Updated = []*Record{}
	}
	if w.Deleted == nil {
		w.Deleted = []string{}
	}
	return json.Marshal(w)
}

// Len returns the number of entries.
func (tc *TableChanges) Len() int {
	if tc == nil {
		return 0
	}
	return len(tc.Created) + len(tc.Updated) + len(tc.Deleted)
}

// ChangeSet maps table names to their changes.
type ChangeSet map[string]*TableChanges

// Table returns the entry for name, creating it if needed.
func (cs ChangeSet) Table(name string) *TableChanges {
	tc, ok := cs[name]
	if !ok {
		tc = &TableChanges{}
		cs[name] = tc
	}
	return tc
}

// Len returns the number of entries across all tables.
func (cs ChangeSet) Len() int {
	n := 0
	for _, tc := range cs {
		n += tc.Len()
	}
	return n
}

// Tables returns the table names in sorted order.
func (cs ChangeSet) Tables() []string {
	return slices.Sorted(maps.Keys(cs))
}

// PullResult is the decoded body of a successful pull.
type PullResult struct {
	Changes   ChangeSet
	Timestamp time.Time
}

// PullResponse is the pull envelope.
type PullResponse struct {
	Success bool     `json:"success"`
	Data    PullData `json:"data"`
	Error   string   `json:"error,omitempty"`
}

// PullData carries the changes and the server timestamp they are current to.
type PullData struct {
	Changes   ChangeSet `json:"changes"`
	Timestamp string    `json:"timestamp"`
}

// PushRequest is the push body.
type PushRequest struct {
	Changes      ChangeSet `json:"changes"`
	LastPulledAt *string   `json:"lastPulledAt"`
}

// Response is the envelope of push, ping and error replies.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
