package sync_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
	"github.com/fieldmark/farmsync/internal/remote"
	"github.com/fieldmark/farmsync/internal/sync"
	"github.com/fieldmark/farmsync/internal/syncserver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = log.New(io.Discard, "", 0)

type fixedClock struct{ t atomic.Pointer[time.Time] }

func newFixedClock(t time.Time) *fixedClock {
	c := &fixedClock{}
	c.t.Store(&t)
	return c
}

func (c *fixedClock) Now() time.Time { return *c.t.Load() }

func (c *fixedClock) Set(t time.Time) { c.t.Store(&t) }

// link wraps a transport so tests can cut the network or intercept pushes.
type link struct {
	remote.Transport
	offline    atomic.Bool
	beforePush func()
	afterPush  func() error
}

func (l *link) Pull(ctx context.Context, since *time.Time) (*remote.PullResult, error) {
	if l.offline.Load() {
		return nil, remote.ErrNetwork
	}
	return l.Transport.Pull(ctx, since)
}

func (l *link) Push(ctx context.Context, cs remote.ChangeSet, lastPulledAt *time.Time) error {
	if l.beforePush != nil {
		l.beforePush()
	}
	if l.offline.Load() {
		return remote.ErrNetwork
	}
	if err := l.Transport.Push(ctx, cs, lastPulledAt); err != nil {
		return err
	}
	if l.afterPush != nil {
		return l.afterPush()
	}
	return nil
}

type client struct {
	store  *db.DB
	engine *sync.Engine
	link   *link
	clock  *fixedClock
}

func newServer(t *testing.T) (*syncserver.Server, string) {
	t.Helper()
	srv := syncserver.New(syncserver.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func newClient(t *testing.T, serverURL string, now time.Time, cfg *sync.Config) *client {
	t.Helper()
	clock := newFixedClock(now)
	store, err := db.Open(filepath.Join(t.TempDir(), "farm.db"), &db.Options{Clock: clock})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	httpClient, err := remote.NewHTTPClient(remote.DefaultConfig(serverURL))
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	l := &link{Transport: httpClient}

	if cfg == nil {
		cfg = sync.DefaultConfig()
	}
	cfg.Logger = quiet
	return &client{
		store:  store,
		engine: sync.New(store, l, cfg),
		link:   l,
		clock:  clock,
	}
}

func (c *client) mustSync(t *testing.T) *sync.CycleResult {
	t.Helper()
	res, err := c.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	return res
}

func (c *client) create(t *testing.T, table, id string, fields schema.Fields) *db.Record {
	t.Helper()
	var rec *db.Record
	err := c.store.Update(context.Background(), func(tx *db.Tx) error {
		var err error
		rec, err = tx.Create(table, func(r *db.Record) {
			r.ID = id
			r.Fields = fields
		})
		return err
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return rec
}

func (c *client) update(t *testing.T, table, id string, fn func(schema.Fields)) {
	t.Helper()
	err := c.store.Update(context.Background(), func(tx *db.Tx) error {
		rec, err := tx.Find(table, id)
		if err != nil {
			return err
		}
		_, err = tx.Update(rec, fn)
		return err
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func (c *client) find(t *testing.T, table, id string) *db.Record {
	t.Helper()
	rec, err := c.store.Find(context.Background(), table, id)
	if err != nil {
		t.Fatalf("Find(%s/%s) failed: %v", table, id, err)
	}
	return rec
}

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestSync_CreatedOfflineThenSynced(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	a.link.offline.Store(true)

	birth := schema.Fields{"internalCode": "PQ-001", "sex": "male", "birthDate": "2024-01-01"}
	a.create(t, "animals", "pq-001", birth)
	if got := a.find(t, "animals", "pq-001").SyncStatus; got != db.StatusCreated {
		t.Fatalf("status while offline = %s, want created", got)
	}

	if _, err := a.engine.Sync(context.Background()); !errors.Is(err, remote.ErrNetwork) {
		t.Fatalf("offline Sync() error = %v, want ErrNetwork", err)
	}
	if got := a.find(t, "animals", "pq-001").SyncStatus; got != db.StatusCreated {
		t.Fatalf("status after failed sync = %s, want created", got)
	}

	a.link.offline.Store(false)
	res := a.mustSync(t)
	if res.PushedCreated != 1 || res.Acknowledged != 1 {
		t.Errorf("result = %+v", res)
	}
	local := a.find(t, "animals", "pq-001")
	if local.SyncStatus != db.StatusSynced {
		t.Errorf("status after sync = %s, want synced", local.SyncStatus)
	}

	fresh := newClient(t, url, t0.Add(time.Hour), nil)
	fresh.mustSync(t)
	got := fresh.find(t, "animals", "pq-001")
	if got.SyncStatus != db.StatusSynced {
		t.Errorf("pulled status = %s, want synced", got.SyncStatus)
	}
	if diff := cmp.Diff(local.Fields, got.Fields); diff != "" {
		t.Errorf("round trip changed fields (-local +pulled):\n%s", diff)
	}
	if !got.UpdatedAt.Equal(local.UpdatedAt) {
		t.Errorf("round trip changed updatedAt: %v vs %v", local.UpdatedAt, got.UpdatedAt)
	}
}

func TestSync_LastWriteWinsByTimestamp(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	b := newClient(t, url, t0, nil)

	a.create(t, "batches", "batch-1", schema.Fields{"code": "B-1", "currentCount": 60})
	a.mustSync(t)
	b.mustSync(t)

	// Both offline: A edits at T1, B at T2 > T1.
	a.clock.Set(t0.Add(1 * time.Minute))
	a.update(t, "batches", "batch-1", func(f schema.Fields) { f["currentCount"] = 50 })
	b.clock.Set(t0.Add(2 * time.Minute))
	b.update(t, "batches", "batch-1", func(f schema.Fields) { f["currentCount"] = 45 })

	a.mustSync(t)
	resB := b.mustSync(t)
	if resB.KeptLocal != 1 || resB.PushedUpdated != 1 {
		t.Errorf("B result = %+v, want kept local edit and pushed it", resB)
	}

	c := newClient(t, url, t0.Add(time.Hour), nil)
	c.mustSync(t)
	if got := c.find(t, "batches", "batch-1").Get("currentCount"); got != 45.0 {
		t.Errorf("third client sees currentCount = %v, want 45", got)
	}

	// A catches up on its next cycle.
	resA := a.mustSync(t)
	if got := a.find(t, "batches", "batch-1"); got.Get("currentCount") != 45.0 || got.IsDirty() {
		t.Errorf("A after catch-up = %v (%s), result %+v", got.Get("currentCount"), got.SyncStatus, resA)
	}
}

func TestSync_RemoteWinsOverOlderLocalEdit(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	b := newClient(t, url, t0, nil)

	a.create(t, "batches", "batch-1", schema.Fields{"code": "B-1", "currentCount": 60})
	a.mustSync(t)
	b.mustSync(t)

	b.clock.Set(t0.Add(1 * time.Minute))
	b.update(t, "batches", "batch-1", func(f schema.Fields) { f["currentCount"] = 45 })
	a.clock.Set(t0.Add(2 * time.Minute))
	a.update(t, "batches", "batch-1", func(f schema.Fields) { f["currentCount"] = 50 })
	a.mustSync(t)

	res := b.mustSync(t)
	if res.DiscardedLocal != 1 {
		t.Errorf("DiscardedLocal = %d, want 1", res.DiscardedLocal)
	}
	got := b.find(t, "batches", "batch-1")
	if got.Get("currentCount") != 50.0 || got.IsDirty() {
		t.Errorf("B = %v (%s), want 50 synced", got.Get("currentCount"), got.SyncStatus)
	}
}

func TestSync_LocalDeleteBeatsRemoteUpdate(t *testing.T) {
	srv, url := newServer(t)
	a := newClient(t, url, t0, nil)
	b := newClient(t, url, t0, nil)

	a.create(t, "animals", "pq-001", schema.Fields{"internalCode": "PQ-001"})
	a.mustSync(t)
	b.mustSync(t)

	// B deletes at T_local; A updates later at T_remote and syncs first.
	b.clock.Set(t0.Add(1 * time.Minute))
	err := b.store.Update(context.Background(), func(tx *db.Tx) error {
		rec, err := tx.Find("animals", "pq-001")
		if err != nil {
			return err
		}
		_, err = tx.MarkAsDeleted(rec)
		return err
	})
	if err != nil {
		t.Fatalf("MarkAsDeleted() failed: %v", err)
	}
	a.clock.Set(t0.Add(2 * time.Minute))
	a.update(t, "animals", "pq-001", func(f schema.Fields) { f["weightKg"] = 300 })
	a.mustSync(t)

	res := b.mustSync(t)
	if res.KeptLocal != 1 || res.PushedDeleted != 1 {
		t.Errorf("B result = %+v, want kept delete and pushed tombstone", res)
	}
	got := b.find(t, "animals", "pq-001")
	if !got.IsDeleted() || got.SyncStatus != db.StatusSynced {
		t.Errorf("B record = %+v, want acknowledged tombstone", got)
	}
	if rec, _ := srv.Record(syncserver.DefaultTenant, "animals", "pq-001"); rec.DeletedAt == nil {
		t.Error("server did not record the delete")
	}

	a.mustSync(t)
	if got := a.find(t, "animals", "pq-001"); !got.IsDeleted() {
		t.Error("delete did not reach client A")
	}
}

func TestSync_RemoteDeleteBeatsLocalUpdate(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	b := newClient(t, url, t0, nil)

	a.create(t, "pens", "pen-1", schema.Fields{"tenantId": "t", "facilityId": "f", "code": "P1"})
	a.mustSync(t)
	b.mustSync(t)

	err := a.store.Update(context.Background(), func(tx *db.Tx) error {
		rec, err := tx.Find("pens", "pen-1")
		if err != nil {
			return err
		}
		_, err = tx.MarkAsDeleted(rec)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	a.mustSync(t)

	b.clock.Set(t0.Add(time.Hour))
	b.update(t, "pens", "pen-1", func(f schema.Fields) { f["code"] = "P1-renamed" })
	res := b.mustSync(t)
	if res.DiscardedLocal != 1 || res.Pushed() != 0 {
		t.Errorf("B result = %+v, want discarded local edit and nothing pushed", res)
	}
	if got := b.find(t, "pens", "pen-1"); !got.IsDeleted() || got.IsDirty() {
		t.Errorf("B record = %+v, want acknowledged tombstone", got)
	}
}

func TestSync_LostAcknowledgementIsIdempotent(t *testing.T) {
	srv, url := newServer(t)
	a := newClient(t, url, t0, nil)
	a.create(t, "animals", "pq-001", schema.Fields{"internalCode": "PQ-001"})

	// The server applies the push but the reply never arrives.
	a.link.afterPush = func() error { return remote.ErrNetwork }
	if _, err := a.engine.Sync(context.Background()); !errors.Is(err, remote.ErrNetwork) {
		t.Fatalf("Sync() error = %v, want ErrNetwork", err)
	}
	if !a.find(t, "animals", "pq-001").IsDirty() {
		t.Fatal("record acknowledged without a reply")
	}
	before, _ := srv.Record(syncserver.DefaultTenant, "animals", "pq-001")

	a.link.afterPush = nil
	res := a.mustSync(t)
	if res.DiscardedLocal != 0 {
		t.Errorf("echo of own push counted as conflict: %+v", res)
	}
	if a.find(t, "animals", "pq-001").IsDirty() {
		t.Error("record still dirty after retry")
	}
	after, _ := srv.Record(syncserver.DefaultTenant, "animals", "pq-001")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("retry changed server state (-before +after):\n%s", diff)
	}
	if n := srv.Len(syncserver.DefaultTenant, "animals"); n != 1 {
		t.Errorf("server holds %d animals, want 1", n)
	}
}

func TestSync_WatermarkMonotonic(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 4; i++ {
		a.create(t, "diseases", "", schema.Fields{"name": "d"})
		offline := i == 2
		a.link.offline.Store(offline)

		_, err := a.engine.Sync(ctx)
		wm, ok, werr := a.store.Watermark(ctx)
		if werr != nil {
			t.Fatal(werr)
		}

		if offline {
			if err == nil {
				t.Fatal("expected offline cycle to fail")
			}
			if !wm.Equal(prev) {
				t.Errorf("cycle %d: watermark moved on failure: %v -> %v", i, prev, wm)
			}
			continue
		}
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		if !ok || !wm.After(prev) {
			t.Errorf("cycle %d: watermark %v not after %v", i, wm, prev)
		}
		prev = wm
	}
}

func TestSync_PushFailureLeavesDirtyState(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	ctx := context.Background()
	a.mustSync(t)
	wmBefore, _, _ := a.store.Watermark(ctx)

	a.create(t, "animals", "pq-001", schema.Fields{"internalCode": "PQ-001"})
	a.link.beforePush = func() { a.link.offline.Store(true) }
	if _, err := a.engine.Sync(ctx); !errors.Is(err, remote.ErrNetwork) {
		t.Fatalf("Sync() error = %v, want ErrNetwork", err)
	}

	wmAfter, _, _ := a.store.Watermark(ctx)
	if !wmAfter.Equal(wmBefore) {
		t.Errorf("watermark moved after failed push: %v -> %v", wmBefore, wmAfter)
	}
	if got := a.find(t, "animals", "pq-001").SyncStatus; got != db.StatusCreated {
		t.Errorf("status = %s, want created", got)
	}
	if a.engine.State() != sync.Idle {
		t.Errorf("State() = %s after failure, want idle", a.engine.State())
	}
}

func TestSync_EditDuringPushStaysDirty(t *testing.T) {
	_, url := newServer(t)
	a := newClient(t, url, t0, nil)
	a.create(t, "animals", "pq-001", schema.Fields{"internalCode": "PQ-001"})

	a.link.beforePush = func() {
		a.link.beforePush = nil
		a.clock.Set(t0.Add(time.Minute))
		a.update(t, "animals", "pq-001", func(f schema.Fields) { f["weightKg"] = 12 })
	}
	res := a.mustSync(t)
	if res.Acknowledged != 0 {
		t.Errorf("Acknowledged = %d, want 0", res.Acknowledged)
	}
	got := a.find(t, "animals", "pq-001")
	if !got.IsDirty() || got.Get("weightKg") != 12.0 {
		t.Errorf("record = %+v, want dirty with the new weight", got)
	}

	a.mustSync(t)
	if a.find(t, "animals", "pq-001").IsDirty() {
		t.Error("edit was not pushed by the next cycle")
	}
}

func TestSync_PurgesAcknowledgedTombstones(t *testing.T) {
	_, url := newServer(t)
	cfg := sync.DefaultConfig()
	cfg.PurgeTombstones = true
	a := newClient(t, url, t0, cfg)

	a.create(t, "animals", "pq-001", schema.Fields{"internalCode": "PQ-001"})
	a.mustSync(t)
	err := a.store.Update(context.Background(), func(tx *db.Tx) error {
		rec, err := tx.Find("animals", "pq-001")
		if err != nil {
			return err
		}
		_, err = tx.MarkAsDeleted(rec)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	a.clock.Set(t0.Add(time.Hour))
	res := a.mustSync(t)
	if res.PushedDeleted != 1 || res.Purged != 1 {
		t.Errorf("Purged = %d, want 1", res.Purged)
	}
	if _, err := a.store.Find(context.Background(), "animals", "pq-001"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Find() after purge error = %v, want ErrNotFound", err)
	}
}
