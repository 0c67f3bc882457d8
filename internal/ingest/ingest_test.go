package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

func setup(t *testing.T) (*db.DB, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "farm.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, filepath.Join(dir, "inbox")
}

func startWatcher(t *testing.T, store *db.DB, inbox string) *Watcher {
	t.Helper()
	w, err := New(store, &Config{Dir: inbox, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew_Validation(t *testing.T) {
	store, inbox := setup(t)
	if _, err := New(nil, &Config{Dir: inbox}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(store, &Config{}); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", `{"table":"animals","fields":{"internalCode":"A"}}`, false},
		{"with id", `{"table":"animals","id":"a1","fields":{}}`, false},
		{"missing table", `{"fields":{"internalCode":"A"}}`, true},
		{"not json", `animals,A`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "doc.json", tt.content)
			_, err := ReadDocument(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadDocument() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("error %v does not wrap ErrInvalidDocument", err)
			}
		})
	}
}

func TestApply_CreateThenMerge(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	rec, err := Apply(ctx, store, &Document{Table: "animals", ID: "a1", Fields: schema.Fields{"internalCode": "PQ-001", "sex": "male"}})
	if err != nil {
		t.Fatalf("Apply() create failed: %v", err)
	}
	if rec.SyncStatus != db.StatusCreated {
		t.Errorf("status = %s, want created", rec.SyncStatus)
	}

	rec, err = Apply(ctx, store, &Document{Table: "animals", ID: "a1", Fields: schema.Fields{"weightKg": 410.5}})
	if err != nil {
		t.Fatalf("Apply() update failed: %v", err)
	}
	if rec.String("internalCode") != "PQ-001" || rec.Get("weightKg") != 410.5 {
		t.Errorf("fields not merged: %v", rec.Fields)
	}

	if _, err := Apply(ctx, store, &Document{Table: "tractors", Fields: schema.Fields{}}); !errors.Is(err, schema.ErrUnknownTable) {
		t.Errorf("Apply() unknown table error = %v", err)
	}
}

func TestWatcher_IngestsExistingFiles(t *testing.T) {
	store, inbox := setup(t)
	path := writeFile(t, inbox, "001.json", `{"table":"animals","id":"a1","fields":{"internalCode":"PQ-001"}}`)

	w := startWatcher(t, store, inbox)

	if exists(path) {
		t.Error("ingested file was not removed")
	}
	if _, err := store.Find(context.Background(), "animals", "a1"); err != nil {
		t.Errorf("Find() failed: %v", err)
	}
	if s := w.Stats(); s.Ingested != 1 || s.Rejected != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWatcher_IngestsNewFiles(t *testing.T) {
	store, inbox := setup(t)
	w := startWatcher(t, store, inbox)

	path := writeFile(t, inbox, "batch.json", `{"table":"batches","id":"b1","fields":{"code":"L-7","currentCount":120}}`)
	writeFile(t, inbox, "notes.txt", "ignored")

	waitFor(t, "ingest", func() bool { return w.Stats().Ingested == 1 })
	if exists(path) {
		t.Error("ingested file was not removed")
	}
	rec, err := store.Find(context.Background(), "batches", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.String("code") != "L-7" {
		t.Errorf("code = %q", rec.String("code"))
	}
	if !exists(filepath.Join(inbox, "notes.txt")) {
		t.Error("non-json file was touched")
	}
}

func TestWatcher_RejectsBadFiles(t *testing.T) {
	store, inbox := setup(t)
	path := writeFile(t, inbox, "bad.json", `{"table":"animals","fields":{"sex":"male"}}`) // internalCode missing

	w := startWatcher(t, store, inbox)

	if exists(path) {
		t.Error("rejected file left under its original name")
	}
	if !exists(path + RejectedSuffix) {
		t.Error("rejected file not renamed")
	}
	if s := w.Stats(); s.Rejected != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if n, _ := store.Count(context.Background(), "animals", db.Query{}); n != 0 {
		t.Errorf("Count() = %d after rejected ingest", n)
	}
}
