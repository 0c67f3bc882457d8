// Package live keeps query results up to date as the store changes.
//
// An Observer listens to the store's commit events and re-runs the queries
// of every subscription whose table was touched. Re-evaluation happens on a
// single dispatcher goroutine, never under the store's write lock, so a
// callback may itself write to the store.
//
// Each subscription sees results in commit order. A result identical to the
// previous delivery (same ids, update times, statuses and field values) is
// not delivered again.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/fieldmark/farmsync/internal/localdb/db"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("observer closed")

// Observer dispatches live query results.
type Observer struct {
	store       *db.DB
	logger      *log.Logger
	unsubscribe func()

	mu      sync.Mutex
	pending []db.CommitEvent
	initial []*Subscription
	subs    map[int]*Subscription
	nextID  int
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Subscription is one watched query.
type Subscription struct {
	id       int
	observer *Observer
	table    string
	query    db.Query
	fn       func([]*db.Record)

	// Only touched on the dispatcher goroutine.
	last      uint64
	delivered bool
}

// New starts an Observer on store. If logger is nil, logs are discarded.
func New(store *db.DB, logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	o := &Observer{
		store:  store,
		logger: logger,
		subs:   make(map[int]*Subscription),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	o.unsubscribe = store.Subscribe(o.enqueue)
	go o.run()
	return o
}

// enqueue runs under the store's write lock and must not block.
func (o *Observer) enqueue(ev db.CommitEvent) {
	o.mu.Lock()
	if !o.closed {
		o.pending = append(o.pending, ev)
	}
	o.mu.Unlock()
	o.signal()
}

func (o *Observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Watch subscribes fn to the results of q on table. The current result is
// delivered first, then a new result after each commit that changes it.
// fn runs on the dispatcher goroutine; a slow fn delays every subscription.
func (o *Observer) Watch(table string, q db.Query, fn func([]*db.Record)) (*Subscription, error) {
	if !o.store.Registry().Has(table) {
		return nil, fmt.Errorf("cannot watch %q: unknown table", table)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		id:       o.nextID,
		observer: o,
		table:    table,
		query:    q,
		fn:       fn,
	}
	o.nextID++
	o.subs[sub.id] = sub
	o.initial = append(o.initial, sub)
	o.signal()
	return sub, nil
}

// Close stops future deliveries. A delivery already running completes.
func (s *Subscription) Close() {
	s.observer.mu.Lock()
	delete(s.observer.subs, s.id)
	s.observer.mu.Unlock()
}

// Close unsubscribes from the store and stops the dispatcher.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.unsubscribe()
	close(o.quit)
	<-o.done
}

func (o *Observer) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case <-o.wake:
		}
		o.drain()
	}
}

// drain handles everything queued so far. Several commits to the same table
// collapse into one re-evaluation.
func (o *Observer) drain() {
	o.mu.Lock()
	events := o.pending
	initial := o.initial
	o.pending = nil
	o.initial = nil
	touched := make(map[string]bool)
	for _, ev := range events {
		for _, c := range ev.Changes {
			touched[c.Table] = true
		}
	}
	var due []*Subscription
	seen := make(map[int]bool)
	for _, sub := range initial {
		if _, ok := o.subs[sub.id]; ok {
			due = append(due, sub)
			seen[sub.id] = true
		}
	}
	for _, sub := range o.subs {
		if touched[sub.table] && !seen[sub.id] {
			due = append(due, sub)
		}
	}
	o.mu.Unlock()

	for _, sub := range due {
		o.evaluate(sub)
	}
}

func (o *Observer) active(sub *Subscription) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.subs[sub.id]
	return ok && !o.closed
}

func (o *Observer) evaluate(sub *Subscription) {
	recs, err := o.store.All(context.Background(), sub.table, sub.query)
	if err != nil {
		o.logger.Printf("[live] query on %s failed: %v", sub.table, err)
		return
	}

	fp := fingerprint(recs)
	if sub.delivered && fp == sub.last {
		return
	}
	if !o.active(sub) {
		return
	}
	sub.last = fp
	sub.delivered = true

	defer func() {
		if p := recover(); p != nil {
			o.logger.Printf("[live] subscriber on %s panicked: %v", sub.table, p)
		}
	}()
	sub.fn(recs)
}

func fingerprint(recs []*db.Record) uint64 {
	h := fnv.New64a()
	enc := json.NewEncoder(h)
	for _, r := range recs {
		_, _ = io.WriteString(h, r.ID)
		_, _ = io.WriteString(h, "|")
		_, _ = io.WriteString(h, strconv.FormatInt(r.UpdatedAt.UnixMilli(), 10))
		_, _ = io.WriteString(h, "|")
		_, _ = io.WriteString(h, string(r.SyncStatus))
		_, _ = io.WriteString(h, "|")
		// Map keys are encoded sorted; Encode terminates with a newline.
		_ = enc.Encode(r.Fields)
	}
	return h.Sum64()
}
