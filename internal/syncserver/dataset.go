package syncserver

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fieldmark/farmsync/internal/remote"
)

type entry struct {
	rec remote.Record

	// firstSeen and modifiedAt are server clock readings; they decide
	// whether a pull reports the record as created or updated.
	firstSeen  time.Time
	modifiedAt time.Time
}

// dataset is one tenant's records.
type dataset struct {
	mu     sync.Mutex
	tables map[string]map[string]*entry
}

func newDataset() *dataset {
	return &dataset{tables: make(map[string]map[string]*entry)}
}

func (d *dataset) table(name string) map[string]*entry {
	t, ok := d.tables[name]
	if !ok {
		t = make(map[string]*entry)
		d.tables[name] = t
	}
	return t
}

// changesSince collects every record modified strictly after since.
func (d *dataset) changesSince(since *time.Time) remote.ChangeSet {
	out := remote.ChangeSet{}
	for _, name := range slices.Sorted(maps.Keys(d.tables)) {
		rows := d.tables[name]
		for _, id := range slices.Sorted(maps.Keys(rows)) {
			e := rows[id]
			if since != nil && !e.modifiedAt.After(*since) {
				continue
			}
			tc := out.Table(name)
			switch {
			case e.rec.DeletedAt != nil:
				tc.Deleted = append(tc.Deleted, id)
			case since == nil || e.firstSeen.After(*since):
				rec := e.rec
				tc.Created = append(tc.Created, &rec)
			default:
				rec := e.rec
				tc.Updated = append(tc.Updated, &rec)
			}
		}
	}
	return out
}

// staleConflict returns the first pushed record the server changed after
// lastPulledAt.
func (d *dataset) staleConflict(changes remote.ChangeSet, lastPulledAt *time.Time) error {
	for _, name := range changes.Tables() {
		tc := changes[name]
		if tc == nil {
			continue
		}
		rows := d.tables[name]
		check := func(id string) error {
			e, ok := rows[id]
			if !ok {
				return nil
			}
			if lastPulledAt == nil || e.modifiedAt.After(*lastPulledAt) {
				return fmt.Errorf("%s/%s changed on the server after %s", name, id, formatPtr(lastPulledAt))
			}
			return nil
		}
		for _, rec := range slices.Concat(tc.Created, tc.Updated) {
			if err := check(rec.ID); err != nil {
				return err
			}
		}
		for _, id := range tc.Deleted {
			if err := check(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatPtr(t *time.Time) string {
	if t == nil {
		return "the first pull"
	}
	return remote.FormatTime(*t)
}

// apply writes a validated push. Creates are idempotent, updates follow
// last-write-wins on the client updatedAt and tombstones are final.
func (d *dataset) apply(changes remote.ChangeSet, now func() time.Time) (accepted, ignored int) {
	for _, name := range changes.Tables() {
		tc := changes[name]
		if tc == nil {
			continue
		}
		rows := d.table(name)

		for _, rec := range slices.Concat(tc.Created, tc.Updated) {
			e, ok := rows[rec.ID]
			if ok && (e.rec.DeletedAt != nil || rec.UpdatedAt.Before(e.rec.UpdatedAt)) {
				ignored++
				continue
			}
			ts := now()
			stored := *rec
			stored.DeletedAt = nil
			if ok {
				e.rec = stored
				e.modifiedAt = ts
			} else {
				rows[rec.ID] = &entry{rec: stored, firstSeen: ts, modifiedAt: ts}
			}
			accepted++
		}

		for _, id := range tc.Deleted {
			e, ok := rows[id]
			if !ok || e.rec.DeletedAt != nil {
				ignored++
				continue
			}
			ts := now()
			e.rec.DeletedAt = &ts
			e.rec.UpdatedAt = ts
			e.modifiedAt = ts
			accepted++
		}
	}
	return accepted, ignored
}

func (d *dataset) get(table, id string) (remote.Record, bool) {
	e, ok := d.tables[table][id]
	if !ok {
		return remote.Record{}, false
	}
	return e.rec, true
}
