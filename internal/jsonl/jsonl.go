// Package jsonl exports the store as JSON Lines and imports it back.
//
// Each line is one record as the store sees it:
//
//	{"id":"a1","table":"animals","fields":{...},"createdAt":"...","updatedAt":"...","syncStatus":"synced"}
//
// An import applies every line as a local edit, so imported records are
// pushed on the next sync. Timestamps and sync status in the file are
// informational; the store assigns its own.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// maxLineSize bounds one encoded record.
const maxLineSize = 4 << 20

// ExportOptions selects what Export writes.
type ExportOptions struct {
	// Tables to export. Empty means all tables in registry order.
	Tables []string

	// IncludeDeleted also writes tombstones.
	IncludeDeleted bool

	// DirtyOnly writes only records with unpushed changes.
	DirtyOnly bool
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Records int
	ByTable map[string]int
}

// Export writes the selected records to w, one JSON object per line.
func Export(ctx context.Context, store *db.DB, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = store.Registry().Names()
	}
	for _, t := range tables {
		if !store.Registry().Has(t) {
			return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, t)
		}
	}

	result := &ExportResult{ByTable: make(map[string]int)}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, table := range tables {
		q := db.Query{IncludeDeleted: opts.IncludeDeleted}
		if opts.DirtyOnly {
			q.Where = []db.Cond{db.NotEq("syncStatus", string(db.StatusSynced))}
		}
		for rec, err := range store.Query(ctx, table, q) {
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", table, err)
			}
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to write %s/%s: %w", table, rec.ID, err)
			}
			result.Records++
			result.ByTable[table]++
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return result, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, store *db.DB, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, store, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun parses and validates without writing.
	DryRun bool
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Created int
	Updated int
	Deleted int
	Skipped int
}

// Read parses JSON Lines from r. Blank lines are ignored.
func Read(r io.Reader) ([]*db.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var recs []*db.Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec db.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.Table == "" || rec.ID == "" {
			return nil, fmt.Errorf("line %d: table and id are required", lineNum)
		}
		recs = append(recs, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return recs, nil
}

// Import applies every record read from r in one write transaction. Either
// all lines are applied or none.
//
// A live line creates the record or replaces the fields of an existing one.
// A tombstone line deletes the existing record; tombstones of unknown ids
// are skipped. Existing tombstones are never revived.
func Import(ctx context.Context, store *db.DB, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	recs, err := Read(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	err = store.Update(ctx, func(tx *db.Tx) error {
		*result = ImportResult{}
		for _, in := range recs {
			if err := importOne(tx, in, result); err != nil {
				return fmt.Errorf("failed to import %s/%s: %w", in.Table, in.ID, err)
			}
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return nil, err
	}
	return result, nil
}

var errDryRun = errors.New("dry run")

func importOne(tx *db.Tx, in *db.Record, result *ImportResult) error {
	existing, err := tx.Find(in.Table, in.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	found := err == nil

	switch {
	case in.IsDeleted():
		if !found || existing.IsDeleted() {
			result.Skipped++
			return nil
		}
		if _, err := tx.MarkAsDeleted(existing); err != nil {
			return err
		}
		result.Deleted++

	case found && existing.IsDeleted():
		result.Skipped++

	case found:
		if _, err := tx.Update(existing, func(f schema.Fields) {
			clear(f)
			for k, v := range in.Fields {
				f[k] = v
			}
		}); err != nil {
			return err
		}
		result.Updated++

	default:
		if _, err := tx.Create(in.Table, func(r *db.Record) {
			r.ID = in.ID
			r.Fields = in.Fields
		}); err != nil {
			return err
		}
		result.Created++
	}
	return nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, store *db.DB, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, store, f, opts)
}
