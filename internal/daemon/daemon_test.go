package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldmark/farmsync/internal/remote"
	syncengine "github.com/fieldmark/farmsync/internal/sync"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeSyncer) Sync(ctx context.Context) (*syncengine.CycleResult, error) {
	f.mu.Lock()
	f.calls++
	err, block := f.err, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &syncengine.CycleResult{}, nil
}

func (f *fakeSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSyncer) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeProber struct {
	online atomic.Bool
}

func (p *fakeProber) Ping(context.Context) error {
	if p.online.Load() {
		return nil
	}
	return fmt.Errorf("%w: connection refused", remote.ErrNetwork)
}

func testConfig() *Config {
	return &Config{
		SyncInterval:  time.Hour,
		ProbeInterval: time.Hour,
		MaxBackoff:    time.Hour,
		Logger:        log.New(io.Discard, "", 0),
	}
}

func start(t *testing.T, s Syncer, p Prober, cfg *Config) *Daemon {
	t.Helper()
	d, err := New(s, p, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		syncer  Syncer
		prober  Prober
		wantErr bool
	}{
		{"valid", &fakeSyncer{}, &fakeProber{}, false},
		{"nil syncer", nil, &fakeProber{}, true},
		{"nil prober", &fakeSyncer{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.syncer, tt.prober, testConfig())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(&fakeSyncer{}, &fakeProber{}, &Config{SyncInterval: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if d.config.ProbeInterval <= 0 || d.config.ProbeTimeout <= 0 || d.config.Logger == nil {
		t.Errorf("defaults not applied: %+v", d.config)
	}
	if d.config.MaxBackoff < d.config.SyncInterval {
		t.Errorf("MaxBackoff %s below SyncInterval %s", d.config.MaxBackoff, d.config.SyncInterval)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(10*time.Second, tt.failures, time.Minute); got != tt.want {
			t.Errorf("backoff(%d failures) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestDaemon_SyncsOnReconnect(t *testing.T) {
	syncer := &fakeSyncer{}
	prober := &fakeProber{}
	cfg := testConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	d := start(t, syncer, prober, cfg)

	time.Sleep(50 * time.Millisecond)
	if n := syncer.Calls(); n != 0 {
		t.Fatalf("synced %d times while offline", n)
	}
	if d.Status().IsOnline {
		t.Fatal("IsOnline = true while server unreachable")
	}

	prober.online.Store(true)
	waitFor(t, "sync after reconnect", func() bool {
		s := d.Status()
		return syncer.Calls() == 1 && s.IsOnline && !s.LastSyncAt.IsZero() && !s.IsSyncing
	})
}

func TestDaemon_PeriodicSync(t *testing.T) {
	syncer := &fakeSyncer{}
	prober := &fakeProber{}
	prober.online.Store(true)
	cfg := testConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	start(t, syncer, prober, cfg)

	waitFor(t, "periodic syncs", func() bool { return syncer.Calls() >= 3 })
}

func TestDaemon_NoPeriodicSyncWhileOffline(t *testing.T) {
	syncer := &fakeSyncer{}
	cfg := testConfig()
	cfg.SyncInterval = 10 * time.Millisecond
	start(t, syncer, &fakeProber{}, cfg)

	time.Sleep(80 * time.Millisecond)
	if n := syncer.Calls(); n != 0 {
		t.Errorf("synced %d times while offline", n)
	}
}

func TestDaemon_RequestSyncWhileRunning(t *testing.T) {
	syncer := &fakeSyncer{block: make(chan struct{})}
	d := start(t, syncer, &fakeProber{}, testConfig())

	if !d.RequestSync() {
		t.Fatal("RequestSync() = false on an idle daemon")
	}
	waitFor(t, "cycle to start", func() bool { return d.Status().IsSyncing })
	if d.RequestSync() {
		t.Error("RequestSync() = true while a cycle is running")
	}

	close(syncer.block)
	waitFor(t, "second request to be accepted", d.RequestSync)
	waitFor(t, "second cycle", func() bool { return syncer.Calls() == 2 })
}

func TestDaemon_FailureSetsLastError(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("%w: 503", remote.ErrNetwork)}
	prober := &fakeProber{}
	prober.online.Store(true)
	d := start(t, syncer, prober, testConfig())

	// The first probe sees the server and triggers a cycle, which fails.
	waitFor(t, "failed cycle", func() bool { return d.Status().LastError != nil })
	s := d.Status()
	if !errors.Is(s.LastError, remote.ErrNetwork) {
		t.Errorf("LastError = %v, want ErrNetwork", s.LastError)
	}
	if s.IsOnline {
		t.Error("IsOnline = true after a network failure")
	}
	if s.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", s.ConsecutiveFailures)
	}
	if !s.LastSyncAt.IsZero() {
		t.Error("LastSyncAt set by a failed cycle")
	}

	syncer.SetErr(nil)
	if !d.RequestSync() {
		t.Fatal("RequestSync() refused")
	}
	waitFor(t, "recovery", func() bool {
		s := d.Status()
		return s.LastError == nil && s.IsOnline && s.ConsecutiveFailures == 0
	})
}

func TestDaemon_RejectedSyncKeepsOnline(t *testing.T) {
	syncer := &fakeSyncer{err: remote.ErrStalePush}
	prober := &fakeProber{}
	prober.online.Store(true)
	d := start(t, syncer, prober, testConfig())

	waitFor(t, "failed cycle", func() bool { return d.Status().LastError != nil })
	if !d.Status().IsOnline {
		t.Error("a server rejection marked the daemon offline")
	}
}

func TestDaemon_InProgressIsNotFailure(t *testing.T) {
	syncer := &fakeSyncer{err: syncengine.ErrSyncInProgress}
	d := start(t, syncer, &fakeProber{}, testConfig())

	d.RequestSync()
	waitFor(t, "cycle", func() bool { return syncer.Calls() == 1 && !d.Status().IsSyncing })
	if s := d.Status(); s.LastError != nil || s.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v, want no failure", s)
	}
}

func TestDaemon_PauseScheduling(t *testing.T) {
	syncer := &fakeSyncer{}
	prober := &fakeProber{}
	prober.online.Store(true)
	cfg := testConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	d := start(t, syncer, prober, cfg)

	waitFor(t, "first sync", func() bool { return syncer.Calls() >= 1 })
	d.PauseScheduling()
	if !d.Status().Paused {
		t.Fatal("Paused = false after PauseScheduling")
	}
	time.Sleep(40 * time.Millisecond)
	paused := syncer.Calls()
	time.Sleep(100 * time.Millisecond)
	if n := syncer.Calls(); n != paused {
		t.Fatalf("%d cycles ran while paused", n-paused)
	}

	// Explicit requests still run.
	waitFor(t, "request accepted", d.RequestSync)
	waitFor(t, "requested cycle", func() bool { return syncer.Calls() == paused+1 })

	d.ResumeScheduling()
	waitFor(t, "scheduled cycles", func() bool { return syncer.Calls() >= paused+3 })
}

func TestDaemon_OnStatusChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	cfg := testConfig()
	cfg.OnStatusChange = func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}
	completed := make(chan *syncengine.CycleResult, 1)
	cfg.OnSyncComplete = func(r *syncengine.CycleResult) { completed <- r }

	d := start(t, &fakeSyncer{}, &fakeProber{}, cfg)
	d.RequestSync()
	select {
	case <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("OnSyncComplete not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("status changes = %d, want at least 2", len(seen))
	}
	if !seen[0].IsSyncing {
		t.Error("first change should report IsSyncing")
	}
	last := seen[len(seen)-1]
	if last.IsSyncing || last.LastSyncAt.IsZero() {
		t.Errorf("last change = %+v", last)
	}
}

func TestDaemon_RunTwice(t *testing.T) {
	d := start(t, &fakeSyncer{}, &fakeProber{}, testConfig())
	waitFor(t, "start", d.started.Load)
	if err := d.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestStatus_MarshalJSON(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status Status
		want   string
	}{
		{
			name:   "never synced",
			status: Status{},
			want:   `{"isSyncing":false,"isOnline":false,"paused":false,"lastSyncAt":null,"lastError":null,"consecutiveFailures":0}`,
		},
		{
			name:   "failed",
			status: Status{IsOnline: true, LastSyncAt: at, LastError: errors.New("boom"), ConsecutiveFailures: 2},
			want:   `{"isSyncing":false,"isOnline":true,"paused":false,"lastSyncAt":"2025-03-01T08:00:00Z","lastError":"boom","consecutiveFailures":2}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.status)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}
