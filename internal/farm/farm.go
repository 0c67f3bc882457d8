// Package farm provides typed views over the generic animals and batches
// tables.
//
// The store keeps every table as schema.Fields; these types only convert.
// Nullable columns are pointers so that an unset value round-trips as nil.
package farm

import (
	"fmt"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// Table names.
const (
	AnimalsTable = "animals"
	BatchesTable = "batches"
)

// Animal is one row of the animals table.
type Animal struct {
	ID           string
	TenantID     *string
	InternalCode string
	EarTag       *string
	Sex          *string
	BirthDate    *time.Time
	Breed        *string
	BatchID      *string
	PenID        *string
	WeightKg     *float64
	Status       *string
	Attributes   map[string]any

	UpdatedAt  time.Time
	SyncStatus db.SyncStatus
}

// Fields returns the animal as a field set for the store.
func (a *Animal) Fields() schema.Fields {
	f := schema.Fields{
		"tenantId":     strOrNil(a.TenantID),
		"internalCode": a.InternalCode,
		"earTag":       strOrNil(a.EarTag),
		"sex":          strOrNil(a.Sex),
		"birthDate":    dateOrNil(a.BirthDate),
		"breed":        strOrNil(a.Breed),
		"batchId":      strOrNil(a.BatchID),
		"penId":        strOrNil(a.PenID),
		"weightKg":     numOrNil(a.WeightKg),
		"status":       strOrNil(a.Status),
		"attributes":   nil,
	}
	if a.Attributes != nil {
		f["attributes"] = a.Attributes
	}
	return f
}

// AnimalFromRecord converts a stored record.
func AnimalFromRecord(rec *db.Record) (*Animal, error) {
	if rec.Table != AnimalsTable {
		return nil, fmt.Errorf("record %s/%s is not an animal", rec.Table, rec.ID)
	}
	r := reader{rec: rec}
	a := &Animal{
		ID:           rec.ID,
		TenantID:     r.str("tenantId"),
		InternalCode: rec.String("internalCode"),
		EarTag:       r.str("earTag"),
		Sex:          r.str("sex"),
		BirthDate:    r.date("birthDate"),
		Breed:        r.str("breed"),
		BatchID:      r.str("batchId"),
		PenID:        r.str("penId"),
		WeightKg:     r.num("weightKg"),
		Status:       r.str("status"),
		UpdatedAt:    rec.UpdatedAt,
		SyncStatus:   rec.SyncStatus,
	}
	if m, ok := rec.Get("attributes").(map[string]any); ok {
		a.Attributes = m
	}
	return a, r.err
}

// Batch is one row of the batches table.
type Batch struct {
	ID           string
	TenantID     *string
	Code         string
	PenID        *string
	Species      *string
	StartDate    *time.Time
	InitialCount *float64
	CurrentCount *float64
	Closed       *bool

	UpdatedAt  time.Time
	SyncStatus db.SyncStatus
}

// Fields returns the batch as a field set for the store.
func (b *Batch) Fields() schema.Fields {
	f := schema.Fields{
		"tenantId":     strOrNil(b.TenantID),
		"code":         b.Code,
		"penId":        strOrNil(b.PenID),
		"species":      strOrNil(b.Species),
		"startDate":    dateOrNil(b.StartDate),
		"initialCount": numOrNil(b.InitialCount),
		"currentCount": numOrNil(b.CurrentCount),
		"closed":       nil,
	}
	if b.Closed != nil {
		f["closed"] = *b.Closed
	}
	return f
}

// BatchFromRecord converts a stored record.
func BatchFromRecord(rec *db.Record) (*Batch, error) {
	if rec.Table != BatchesTable {
		return nil, fmt.Errorf("record %s/%s is not a batch", rec.Table, rec.ID)
	}
	r := reader{rec: rec}
	b := &Batch{
		ID:           rec.ID,
		TenantID:     r.str("tenantId"),
		Code:         rec.String("code"),
		PenID:        r.str("penId"),
		Species:      r.str("species"),
		StartDate:    r.date("startDate"),
		InitialCount: r.num("initialCount"),
		CurrentCount: r.num("currentCount"),
		UpdatedAt:    rec.UpdatedAt,
		SyncStatus:   rec.SyncStatus,
	}
	if v, ok := rec.Get("closed").(bool); ok {
		b.Closed = &v
	}
	return b, r.err
}

// reader extracts optional typed values, keeping the first error.
type reader struct {
	rec *db.Record
	err error
}

func (r *reader) str(col string) *string {
	switch v := r.rec.Get(col).(type) {
	case nil:
		return nil
	case string:
		return &v
	default:
		r.fail(col, v)
		return nil
	}
}

func (r *reader) num(col string) *float64 {
	switch v := r.rec.Get(col).(type) {
	case nil:
		return nil
	case float64:
		return &v
	default:
		r.fail(col, v)
		return nil
	}
}

func (r *reader) date(col string) *time.Time {
	s := r.str(col)
	if s == nil {
		return nil
	}
	for _, layout := range []string{schema.DateLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	r.fail(col, *s)
	return nil
}

func (r *reader) fail(col string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s/%s: unexpected %s value %v (%T)", r.rec.Table, r.rec.ID, col, v, v)
	}
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func numOrNil(n *float64) any {
	if n == nil {
		return nil
	}
	return *n
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(schema.DateLayout)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
