// Package db is the local record store for farmsync.
//
// Every table declared in the schema registry is stored in a single SQLite
// file (ncruces/go-sqlite3, WAL mode). Records carry their field values as a
// JSON document next to the bookkeeping columns the sync engine needs:
// created_at, updated_at, deleted_at and sync_status.
//
// Architecture:
//   - Database file: .farmsync/farm.db
//   - WAL mode: reads run on the connection pool while one writer commits
//   - Writes: serialized through Update, one BEGIN IMMEDIATE transaction each
//   - Events: every commit that changed records publishes a CommitEvent
//
// Mutations are only reachable through a *Tx handed to the Update callback,
// so there is no way to write outside a transaction.
package db

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
    table_name  TEXT NOT NULL,
    id          TEXT NOT NULL,
    fields      TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    deleted_at  INTEGER,
    sync_status TEXT NOT NULL DEFAULT 'created',
    PRIMARY KEY (table_name, id)
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(sync_status, table_name);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(table_name, updated_at);
CREATE INDEX IF NOT EXISTS idx_records_deleted ON records(deleted_at) WHERE deleted_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS sync_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Options configures a Store.
type Options struct {
	// Registry declares the tables the store accepts. Defaults to schema.Default().
	Registry *schema.Registry

	// Clock stamps createdAt and updatedAt. Defaults to the wall clock.
	Clock Clock

	// Logger receives conflict and maintenance messages. Defaults to discard.
	Logger *log.Logger
}

// DB is an open record store.
type DB struct {
	conn     *sql.DB
	path     string
	registry *schema.Registry
	clock    Clock
	logger   *log.Logger

	// writeSem admits one write transaction at a time. seq is only
	// touched while holding it.
	writeSem chan struct{}
	seq      uint64

	subsMu  sync.RWMutex
	subs    map[int]func(CommitEvent)
	nextSub int
}

// Open opens (creating if needed) the store at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".farmsync/farm.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = schema.Default()
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(schemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{
		conn:     conn,
		path:     path,
		registry: reg,
		clock:    clock,
		logger:   logger,
		writeSem: make(chan struct{}, 1),
		subs:     make(map[int]func(CommitEvent)),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Registry returns the schema the store validates against.
func (db *DB) Registry() *schema.Registry {
	return db.registry
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// Subscribe registers fn to receive every CommitEvent. Events are delivered
// in commit order on the committing goroutine while the write lock is still
// held, so fn must not block and must not write to the store. The returned
// function removes the subscription.
func (db *DB) Subscribe(fn func(CommitEvent)) (unsubscribe func()) {
	db.subsMu.Lock()
	id := db.nextSub
	db.nextSub++
	db.subs[id] = fn
	db.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			db.subsMu.Lock()
			delete(db.subs, id)
			db.subsMu.Unlock()
		})
	}
}

func (db *DB) publish(ev CommitEvent) {
	db.subsMu.RLock()
	defer db.subsMu.RUnlock()
	for _, fn := range db.subs {
		fn(ev)
	}
}

// stamp returns the next updatedAt for a record last stamped at prev:
// the current time truncated to milliseconds, bumped past prev if the
// clock has not moved.
func (db *DB) stamp(prev time.Time) time.Time {
	now := db.clock.Now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}
