// Package daemon decides when to run sync cycles and reports sync status.
//
// A cycle starts when:
//  1. The prober sees the server again after being offline
//  2. The sync interval elapses while online
//  3. RequestSync is called
//
// At most one cycle runs at a time. A trigger while a cycle is running or
// queued is dropped. Failed cycles are never retried immediately: after each
// consecutive failure the periodic interval doubles, up to MaxBackoff.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldmark/farmsync/internal/remote"
	syncengine "github.com/fieldmark/farmsync/internal/sync"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (*syncengine.CycleResult, error)
}

// Prober checks whether the sync server is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync while online.
	SyncInterval time.Duration

	// ProbeInterval is how often to check connectivity.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single connectivity check.
	ProbeTimeout time.Duration

	// MaxBackoff caps the periodic interval after repeated failures.
	MaxBackoff time.Duration

	// LastSyncAt seeds Status.LastSyncAt, usually from the store.
	LastSyncAt time.Time

	// OnStatusChange is called after every status change. It must not block.
	OnStatusChange func(Status)

	// OnSyncComplete is called after every successful cycle.
	OnSyncComplete func(*syncengine.CycleResult)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  30 * time.Second,
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		MaxBackoff:    10 * time.Minute,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is the sync state shown to users.
type Status struct {
	IsSyncing           bool
	IsOnline            bool
	Paused              bool
	LastSyncAt          time.Time
	LastError           error
	ConsecutiveFailures int
}

func (s Status) equal(o Status) bool {
	return s.IsSyncing == o.IsSyncing &&
		s.IsOnline == o.IsOnline &&
		s.Paused == o.Paused &&
		s.LastSyncAt.Equal(o.LastSyncAt) &&
		s.ConsecutiveFailures == o.ConsecutiveFailures &&
		errorText(s.LastError) == errorText(o.LastError)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := struct {
		IsSyncing           bool       `json:"isSyncing"`
		IsOnline            bool       `json:"isOnline"`
		Paused              bool       `json:"paused"`
		LastSyncAt          *time.Time `json:"lastSyncAt"`
		LastError           *string    `json:"lastError"`
		ConsecutiveFailures int        `json:"consecutiveFailures"`
	}{
		IsSyncing:           s.IsSyncing,
		IsOnline:            s.IsOnline,
		Paused:              s.Paused,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}
	if !s.LastSyncAt.IsZero() {
		out.LastSyncAt = &s.LastSyncAt
	}
	if s.LastError != nil {
		msg := s.LastError.Error()
		out.LastError = &msg
	}
	return json.Marshal(out)
}

// Daemon schedules sync cycles.
type Daemon struct {
	syncer Syncer
	prober Prober
	config *Config

	mu          sync.Mutex
	status      Status
	lastAttempt time.Time

	// queued is set from the moment a trigger is accepted until its cycle ends.
	queued   atomic.Bool
	requests chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a daemon. Use Run to start it.
func New(syncer Syncer, prober Prober, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.MaxBackoff < config.SyncInterval {
		config.MaxBackoff = config.SyncInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:   syncer,
		prober:   prober,
		config:   config,
		status:   Status{LastSyncAt: config.LastSyncAt},
		requests: make(chan string, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run starts probing and scheduling. It blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already started")
	}
	d.config.Logger.Printf("Starting daemon (sync every %s, probe every %s)", d.config.SyncInterval, d.config.ProbeInterval)

	d.wg.Add(3)
	go d.runCycles()
	go d.probeLoop()
	go d.scheduleLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down. A running cycle's pull is cancelled; a push
// already in flight completes within its request timeout.
func (d *Daemon) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// RequestSync asks for a cycle now. It returns false when a cycle is
// already running or queued.
func (d *Daemon) RequestSync() bool {
	return d.trigger("request")
}

// PauseScheduling stops automatic cycles. A running cycle is not aborted
// and RequestSync still works.
func (d *Daemon) PauseScheduling() {
	d.update(func(s *Status) { s.Paused = true })
	d.config.Logger.Println("Scheduling paused")
}

// ResumeScheduling re-enables automatic cycles.
func (d *Daemon) ResumeScheduling() {
	d.update(func(s *Status) { s.Paused = false })
	d.config.Logger.Println("Scheduling resumed")
}

// Status returns a snapshot of the current status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Daemon) update(fn func(*Status)) {
	d.mu.Lock()
	before := d.status
	fn(&d.status)
	after := d.status
	d.mu.Unlock()

	if !after.equal(before) && d.config.OnStatusChange != nil {
		d.config.OnStatusChange(after)
	}
}

func (d *Daemon) trigger(reason string) bool {
	if d.ctx.Err() != nil {
		return false
	}
	if !d.queued.CompareAndSwap(false, true) {
		return false
	}
	d.requests <- reason
	return true
}

// interval is the current periodic interval including backoff.
func (d *Daemon) interval() time.Duration {
	d.mu.Lock()
	failures := d.status.ConsecutiveFailures
	d.mu.Unlock()
	return backoff(d.config.SyncInterval, failures, d.config.MaxBackoff)
}

// backoff doubles base once per failure, capped at max.
func backoff(base time.Duration, failures int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (d *Daemon) runCycles() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case reason := <-d.requests:
			d.runCycle(reason)
			d.queued.Store(false)
		}
	}
}

func (d *Daemon) runCycle(reason string) {
	d.mu.Lock()
	d.lastAttempt = time.Now()
	d.mu.Unlock()

	d.update(func(s *Status) { s.IsSyncing = true })
	d.config.Logger.Printf("Sync started (%s)", reason)

	result, err := d.syncer.Sync(d.ctx)

	switch {
	case err == nil:
		d.config.Logger.Printf("Sync complete: %s", result)
		d.update(func(s *Status) {
			s.IsSyncing = false
			s.IsOnline = true
			s.LastSyncAt = time.Now()
			s.LastError = nil
			s.ConsecutiveFailures = 0
		})
		if d.config.OnSyncComplete != nil {
			d.config.OnSyncComplete(result)
		}
	case errors.Is(err, syncengine.ErrSyncInProgress):
		// Another caller in this process owns the engine.
		d.update(func(s *Status) { s.IsSyncing = false })
	default:
		d.config.Logger.Printf("Sync failed: %v", err)
		offline := remote.IsOffline(err)
		d.update(func(s *Status) {
			s.IsSyncing = false
			s.LastError = err
			s.ConsecutiveFailures++
			if offline {
				s.IsOnline = false
			}
		})
	}
}

func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	d.probe()
	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

func (d *Daemon) probe() {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.ProbeTimeout)
	err := d.prober.Ping(ctx)
	cancel()
	if d.ctx.Err() != nil {
		return
	}
	online := err == nil

	d.mu.Lock()
	wasOnline := d.status.IsOnline
	paused := d.status.Paused
	// A reconnect does not bypass backoff after failed cycles.
	due := time.Since(d.lastAttempt) >= d.retryDelayLocked()
	d.mu.Unlock()

	if online == wasOnline {
		return
	}
	d.update(func(s *Status) { s.IsOnline = online })
	if !online {
		d.config.Logger.Printf("Server unreachable: %v", err)
		return
	}
	d.config.Logger.Println("Server reachable")
	if !paused && due {
		d.trigger("reconnect")
	}
}

// retryDelayLocked is the wait before an automatic retry. d.mu must be held.
func (d *Daemon) retryDelayLocked() time.Duration {
	if d.status.ConsecutiveFailures == 0 {
		return 0
	}
	return backoff(d.config.SyncInterval, d.status.ConsecutiveFailures, d.config.MaxBackoff)
}

func (d *Daemon) scheduleLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(d.interval())
	defer timer.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}
		s := d.Status()
		if s.IsOnline && !s.Paused {
			d.trigger("interval")
		}
		timer.Reset(d.interval())
	}
}
