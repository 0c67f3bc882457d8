package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

func codes(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.String("internalCode")
	}
	return out
}

func TestQuery(t *testing.T) {
	clock := newManualClock()
	store := setupTestDB(t, clock)
	ctx := context.Background()

	createAnimal(t, store, "A", schema.Fields{"weightKg": 300, "sex": "female"})
	clock.Advance(time.Second)
	createAnimal(t, store, "B", schema.Fields{"weightKg": 412, "sex": "male"})
	clock.Advance(time.Second)
	createAnimal(t, store, "C", schema.Fields{"sex": "female"})

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all in creation order", Query{}, []string{"A", "B", "C"}},
		{"eq", Where(Eq("sex", "female")), []string{"A", "C"}},
		{"neq keeps nulls", Where(NotEq("weightKg", 300)), []string{"B", "C"}},
		{"gt", Where(Gt("weightKg", 350)), []string{"B"}},
		{"lte", Where(Lte("weightKg", 412)), []string{"A", "B"}},
		{"is null", Where(IsNull("weightKg")), []string{"C"}},
		{"eq nil", Where(Eq("weightKg", nil)), []string{"C"}},
		{"not null", Where(NotNull("weightKg")), []string{"A", "B"}},
		{"in", Where(In("internalCode", []string{"A", "C"})), []string{"A", "C"}},
		{"empty in", Where(In("internalCode", []string{})), []string{}},
		{"and", Where(Eq("sex", "female"), NotNull("weightKg")), []string{"A"}},
		{"order desc with limit", Query{
			OrderBy: []Order{{Column: "weightKg", Desc: true}},
			Limit:   2,
		}, []string{"B", "A"}},
		{"system column", Where(Gt("createdAt", clock.Now().Add(-1500*time.Millisecond))), []string{"B", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.All(ctx, "animals", tt.q)
			if err != nil {
				t.Fatalf("All() failed: %v", err)
			}
			got := codes(recs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
					break
				}
			}

			n, err := store.Count(ctx, "animals", Query{Where: tt.q.Where})
			if err != nil {
				t.Fatalf("Count() failed: %v", err)
			}
			if tt.q.Limit == 0 && n != len(tt.want) {
				t.Errorf("Count() = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestQuery_Errors(t *testing.T) {
	store := setupTestDB(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		table string
		q     Query
		want  error
	}{
		{"unknown table", "tractors", Query{}, schema.ErrUnknownTable},
		{"unknown column", "animals", Where(Eq("horns", 2)), schema.ErrUnknownColumn},
		{"bad comparison", "animals", Where(Cond{Column: "sex", Cmp: "like", Value: "m%"}), ErrInvalidQuery},
		{"in without slice", "animals", Where(In("sex", "male")), ErrInvalidQuery},
		{"unknown order column", "animals", Query{OrderBy: []Order{{Column: "horns"}}}, schema.ErrUnknownColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.All(ctx, tt.table, tt.q)
			if !errors.Is(err, tt.want) {
				t.Errorf("All() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestQuery_StopEarly(t *testing.T) {
	store := setupTestDB(t, nil)
	ctx := context.Background()
	for _, c := range []string{"A", "B", "C"} {
		createAnimal(t, store, c, nil)
	}

	seen := 0
	for _, err := range store.Query(ctx, "animals", Query{}) {
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		seen++
		if seen == 1 {
			break
		}
	}
	if seen != 1 {
		t.Errorf("seen = %d", seen)
	}
	// Breaking must release the connection so writers still get through.
	createAnimal(t, store, "D", nil)
}

func TestTx_ReadsOwnWrites(t *testing.T) {
	store := setupTestDB(t, nil)
	err := store.Update(context.Background(), func(tx *Tx) error {
		rec, err := tx.Create("pens", func(r *Record) {
			r.Fields["tenantId"] = "t1"
			r.Fields["facilityId"] = "f1"
			r.Fields["code"] = "P-1"
		})
		if err != nil {
			return err
		}
		got, err := tx.Find("pens", rec.ID)
		if err != nil {
			return err
		}
		if got.String("code") != "P-1" {
			t.Errorf("code = %q", got.String("code"))
		}
		recs, err := Collect(tx.Query("pens", Where(Eq("code", "P-1"))))
		if err != nil {
			return err
		}
		if len(recs) != 1 {
			t.Errorf("tx.Query() returned %d records", len(recs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}
