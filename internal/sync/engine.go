package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/remote"
)

// Config holds engine settings.
type Config struct {
	// RequestTimeout bounds each pull and push (default: 30s).
	RequestTimeout time.Duration

	// PurgeTombstones removes acknowledged tombstones at the end of a
	// successful cycle.
	PurgeTombstones bool

	// TombstoneRetention keeps acknowledged tombstones this long before
	// purging them.
	TombstoneRetention time.Duration

	// OnStateChange is called synchronously on every state transition.
	OnStateChange func(State)

	// Logger for sync events (default: stderr with "[sync] " prefix).
	Logger *log.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
	}
}

// Engine runs sync cycles for one store.
type Engine struct {
	store     *db.DB
	transport remote.Transport
	config    Config
	logger    *log.Logger

	running atomic.Bool

	mu    stdsync.Mutex
	state State
}

// New creates an Engine. A nil config uses DefaultConfig().
func New(store *db.DB, transport remote.Transport, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:     store,
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.config.OnStateChange != nil {
		e.config.OnStateChange(s)
	}
}

// Sync runs one full cycle. The result is returned even on failure and
// reports how far the cycle got. A push failure does not roll back the pulled
// changes: they stay applied, including any local edits they discarded, while
// the watermark keeps its previous value.
func (e *Engine) Sync(ctx context.Context) (*CycleResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	result := &CycleResult{}
	err := e.cycle(ctx, result)
	result.Duration = time.Since(start)

	if err != nil {
		e.setState(Error)
		e.setState(Idle)
		e.logger.Printf("Sync failed after %s: %v", result.Duration.Round(time.Millisecond), err)
		return result, err
	}
	e.setState(Idle)
	e.logger.Printf("Sync complete: %s", result)
	return result, nil
}

func (e *Engine) cycle(ctx context.Context, result *CycleResult) error {
	watermark, ok, err := e.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	var since *time.Time
	if ok {
		since = &watermark
		result.Watermark = watermark
	}

	// Pull
	e.setState(Pulling)
	pullCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	pulled, err := e.transport.Pull(pullCtx, since)
	cancel()
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	if ok && pulled.Timestamp.Before(watermark) {
		return fmt.Errorf("%w: pull timestamp %s is before watermark %s",
			remote.ErrServerRejected, remote.FormatTime(pulled.Timestamp), remote.FormatTime(watermark))
	}

	// Apply
	e.setState(Applying)
	var applied applyCounts
	err = e.store.Update(ctx, func(tx *db.Tx) error {
		applied = applyCounts{}
		return e.apply(tx, pulled.Changes, &applied)
	})
	if err != nil {
		return fmt.Errorf("failed to apply pulled changes: %w", err)
	}
	applied.into(result)

	// Push
	e.setState(Pushing)
	dirty, err := e.store.AllDirty(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect dirty records: %w", err)
	}
	changes, pushed := buildChangeSet(dirty, result)

	// A started push is not abandoned when the caller cancels; it is only
	// bounded by the request timeout.
	detached := context.WithoutCancel(ctx)
	if changes.Len() > 0 {
		pushCtx, cancel := context.WithTimeout(detached, e.config.RequestTimeout)
		err := e.transport.Push(pushCtx, changes, &pulled.Timestamp)
		cancel()
		if err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
	}

	// Acknowledge
	err = e.store.Update(detached, func(tx *db.Tx) error {
		acked := 0
		for _, rec := range pushed {
			ok, err := tx.MarkSynced(rec)
			if err != nil {
				return err
			}
			if ok {
				acked++
			}
		}
		if _, err := tx.AdvanceWatermark(pulled.Timestamp); err != nil {
			return err
		}
		if err := tx.SetLastSyncAt(e.store.Now()); err != nil {
			return err
		}
		purged := 0
		if e.config.PurgeTombstones {
			cutoff := e.store.Now().Add(-e.config.TombstoneRetention)
			if purged, err = tx.PurgeTombstones(cutoff); err != nil {
				return err
			}
		}
		result.Acknowledged = acked
		result.Purged = purged
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge push: %w", err)
	}
	result.Watermark = pulled.Timestamp
	return nil
}

type applyCounts struct {
	pulled, applied, skipped, keptLocal, discarded int
	skippedTables                                  []string
}

func (c *applyCounts) count(r db.Resolution) {
	switch r {
	case db.Applied:
		c.applied++
	case db.Skipped:
		c.skipped++
	case db.KeptLocal, db.KeptLocalDelete:
		c.keptLocal++
	case db.DiscardedLocal:
		c.discarded++
	}
}

func (c *applyCounts) into(r *CycleResult) {
	r.Pulled = c.pulled
	r.Applied = c.applied
	r.Skipped = c.skipped
	r.KeptLocal = c.keptLocal
	r.DiscardedLocal = c.discarded
	r.SkippedTables = c.skippedTables
}

func (e *Engine) apply(tx *db.Tx, changes remote.ChangeSet, counts *applyCounts) error {
	reg := e.store.Registry()
	for _, table := range changes.Tables() {
		tc := changes[table]
		if tc.Len() == 0 {
			continue
		}
		if !reg.Has(table) {
			e.logger.Printf("WARNING: skipping %d changes for unknown table %q", tc.Len(), table)
			counts.skippedTables = append(counts.skippedTables, table)
			continue
		}

		for _, rec := range slices.Concat(tc.Created, tc.Updated) {
			counts.pulled++
			var (
				res db.Resolution
				err error
			)
			if rec.DeletedAt != nil {
				res, err = tx.ApplyRemoteDelete(table, rec.ID)
			} else {
				res, err = tx.MarkSyncedFromPull(table, toLocal(table, rec))
			}
			if err != nil {
				return fmt.Errorf("failed to apply %s/%s: %w", table, rec.ID, err)
			}
			counts.count(res)
		}

		for _, id := range tc.Deleted {
			counts.pulled++
			res, err := tx.ApplyRemoteDelete(table, id)
			if err != nil {
				return fmt.Errorf("failed to apply delete of %s/%s: %w", table, id, err)
			}
			counts.count(res)
		}
	}
	return nil
}

func toLocal(table string, rec *remote.Record) *db.Record {
	return &db.Record{
		ID:        rec.ID,
		Table:     table,
		Fields:    rec.Fields,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toRemote(rec *db.Record) *remote.Record {
	return &remote.Record{
		ID:        rec.ID,
		Fields:    rec.Fields,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		DeletedAt: rec.DeletedAt,
	}
}

// buildChangeSet groups dirty records by table and operation. It returns
// the records in the order they were added so they can be acknowledged.
func buildChangeSet(dirty map[string][]*db.Record, result *CycleResult) (remote.ChangeSet, []*db.Record) {
	changes := remote.ChangeSet{}
	var pushed []*db.Record
	for table, recs := range dirty {
		tc := changes.Table(table)
		for _, rec := range recs {
			switch {
			case rec.SyncStatus == db.StatusDeleted || rec.IsDeleted():
				tc.Deleted = append(tc.Deleted, rec.ID)
				result.PushedDeleted++
			case rec.SyncStatus == db.StatusCreated:
				tc.Created = append(tc.Created, toRemote(rec))
				result.PushedCreated++
			default:
				tc.Updated = append(tc.Updated, toRemote(rec))
				result.PushedUpdated++
			}
			pushed = append(pushed, rec)
		}
	}
	return changes, pushed
}
