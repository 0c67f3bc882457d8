// Package ingest loads records dropped as JSON files into the store.
//
// Each *.json file in the inbox directory holds one document:
//
//	{"table": "animals", "id": "optional-id", "fields": {"internalCode": "PQ-001"}}
//
// A document with an unknown id (or none) creates a record. A document whose
// id exists updates that record, merging its fields over the stored ones.
// Either way the change is a local edit and will be pushed on the next sync.
// Successfully ingested files are removed; rejected files are renamed with a
// ".rejected" suffix so they are not retried.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// RejectedSuffix is appended to files that could not be ingested.
const RejectedSuffix = ".rejected"

// ErrInvalidDocument is returned for files that do not hold a document.
var ErrInvalidDocument = errors.New("invalid ingest document")

// Document is the content of one inbox file.
type Document struct {
	Table  string        `json:"table"`
	ID     string        `json:"id,omitempty"`
	Fields schema.Fields `json:"fields"`
}

// ReadDocument parses the file at path.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, filepath.Base(path), err)
	}
	if doc.Table == "" {
		return nil, fmt.Errorf("%w: %s: table is required", ErrInvalidDocument, filepath.Base(path))
	}
	return &doc, nil
}

// Apply writes doc to the store in one write transaction.
func Apply(ctx context.Context, store *db.DB, doc *Document) (*db.Record, error) {
	var rec *db.Record
	err := store.Update(ctx, func(tx *db.Tx) error {
		if doc.ID != "" {
			existing, err := tx.Find(doc.Table, doc.ID)
			switch {
			case err == nil:
				rec, err = tx.Update(existing, func(f schema.Fields) {
					for k, v := range doc.Fields {
						f[k] = v
					}
				})
				return err
			case !errors.Is(err, db.ErrNotFound):
				return err
			}
		}
		var err error
		rec, err = tx.Create(doc.Table, func(r *db.Record) {
			r.ID = doc.ID
			r.Fields = doc.Fields
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Config holds configuration for the inbox watcher.
type Config struct {
	// Dir is the inbox directory. It is created if missing.
	Dir string

	// Debounce is how long a file must stay quiet before it is read.
	Debounce time.Duration

	// Logger for ingest activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:      dir,
		Debounce: 250 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Stats counts processed files.
type Stats struct {
	Ingested int64
	Rejected int64
}

// Watcher ingests inbox files as they appear.
type Watcher struct {
	store   *db.DB
	config  *Config
	watcher *fsnotify.Watcher

	pending   map[string]time.Time
	pendingMu sync.Mutex

	ingested atomic.Int64
	rejected atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox watcher. Use Start to begin.
func New(store *db.DB, config *Config) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig(config.Dir).Debounce
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:   store,
		config:  config,
		watcher: fw,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start ingests files already in the inbox, then watches for new ones.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	// Watch first so files written during the initial scan are not missed.
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.config.Dir, err)
	}
	if err := w.IngestAll(w.ctx); err != nil {
		return err
	}
	w.config.Logger.Printf("Watching inbox %s", w.config.Dir)

	w.wg.Add(2)
	go w.watchEvents()
	go w.processQueue()
	return nil
}

// Stop stops watching. Queued files stay in the inbox for the next start.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Stats returns counts of processed files.
func (w *Watcher) Stats() Stats {
	return Stats{Ingested: w.ingested.Load(), Rejected: w.rejected.Load()}
}

// IngestAll processes every *.json file in the inbox in name order.
func (w *Watcher) IngestAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isInboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.IngestFile(ctx, filepath.Join(w.config.Dir, name))
	}
	return nil
}

// IngestFile processes one file. It reports whether the file was ingested.
func (w *Watcher) IngestFile(ctx context.Context, path string) bool {
	doc, err := ReadDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err == nil {
		var rec *db.Record
		rec, err = Apply(ctx, w.store, doc)
		if err == nil {
			if rmErr := os.Remove(path); rmErr != nil {
				w.config.Logger.Printf("Warning: ingested %s but could not remove it: %v", path, rmErr)
			}
			w.ingested.Add(1)
			w.config.Logger.Printf("Ingested %s/%s from %s", rec.Table, rec.ID, filepath.Base(path))
			return true
		}
	}
	if ctx.Err() != nil {
		return false
	}

	w.rejected.Add(1)
	w.config.Logger.Printf("Rejected %s: %v", filepath.Base(path), err)
	if mvErr := os.Rename(path, path+RejectedSuffix); mvErr != nil {
		w.config.Logger.Printf("Warning: could not rename %s: %v", path, mvErr)
	}
	return false
}

func isInboxFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isInboxFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.pendingMu.Lock()
				w.pending[event.Name] = time.Now()
				w.pendingMu.Unlock()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.pendingMu.Lock()
				delete(w.pending, event.Name)
				w.pendingMu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) processQueue() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.Debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.due() {
				w.IngestFile(w.ctx, path)
			}
		}
	}
}

// due removes and returns the queued paths that have been quiet long enough.
func (w *Watcher) due() []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	var paths []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.config.Debounce {
			paths = append(paths, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(paths)
	return paths
}
