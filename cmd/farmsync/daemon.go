package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/config"
	"github.com/fieldmark/farmsync/internal/daemon"
	"github.com/fieldmark/farmsync/internal/dashboard"
	"github.com/fieldmark/farmsync/internal/ingest"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/live"
	syncengine "github.com/fieldmark/farmsync/internal/sync"
	"github.com/fieldmark/farmsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background until interrupted",
	Long: `Run the sync scheduler in the foreground. It syncs on an interval while the
server is reachable, right after reconnecting, and shortly after local
changes when --sync-on-change is set. Failed cycles back off exponentially.

With dashboard_port set, a WebSocket dashboard streams sync status, record
changes and table stats on ws://127.0.0.1:<port>/ws.

Files dropped into the ingest directory (one JSON document per file with
table, id and fields) are applied to the store and removed.`,
	Run: runDaemon,
}

func init() {
	daemonCmd.Flags().Bool("sync-on-change", false, "Request a sync whenever unsynced local changes appear")
	daemonCmd.Flags().Bool("no-ingest", false, "Do not watch the ingest directory")
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the dashboard on this port (0 = off)")
	_ = settings.BindPFlag(config.KeyDashboardPort, daemonCmd.Flags().Lookup("dashboard-port"))
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	syncOnChange, _ := cmd.Flags().GetBool("sync-on-change")
	noIngest, _ := cmd.Flags().GetBool("no-ingest")

	transport := newTransport()

	lock, err := daemon.AcquireLock(daemon.LockPath(cfg.DBPath))
	if errors.Is(err, daemon.ErrLocked) {
		fatalf("%v\nAnother farmsync daemon or sync is using this store.", err)
	}
	if err != nil {
		fatalf("%v", err)
	}
	defer lock.Release()

	store := openStore()
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lastSync, _, err := store.LastSyncAt(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	var d *daemon.Daemon
	dcfg := &daemon.Config{
		SyncInterval:  cfg.SyncInterval,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.RequestTimeout,
		MaxBackoff:    cfg.MaxBackoff,
		LastSyncAt:    lastSync,
		Logger:        cfg.NewLogger("daemon"),
	}

	var server *dashboard.Server
	if cfg.DashboardPort > 0 {
		server = dashboard.NewServer(&dashboard.Config{
			Addr:   fmt.Sprintf("127.0.0.1:%d", cfg.DashboardPort),
			Status: func() daemon.Status { return d.Status() },
			Logger: cfg.NewLogger("dashboard"),
		})
		handler := dashboard.NewHandler(server, store, nil)
		detach := handler.Attach()
		defer detach()
		dcfg.OnStatusChange = handler.OnStatusChange
		dcfg.OnSyncComplete = handler.OnSyncComplete
	}

	d, err = daemon.New(newEngine(store, transport), transport, dcfg)
	if err != nil {
		fatalf("%v", err)
	}

	if server != nil {
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}
		defer server.Stop()
		fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("▶"), server.Addr())
	}

	if !noIngest && cfg.IngestDir != "" {
		icfg := ingest.DefaultConfig(cfg.IngestDir)
		icfg.Logger = cfg.NewLogger("ingest")
		watcher, err := ingest.New(store, icfg)
		if err != nil {
			fatalf("%v", err)
		}
		if err := watcher.Start(); err != nil {
			fatalf("failed to watch %s: %v", cfg.IngestDir, err)
		}
		defer watcher.Stop()
		fmt.Printf("%s Watching %s\n", ui.RenderAccent("▶"), cfg.IngestDir)
	}

	if syncOnChange {
		observer := live.New(store, cfg.NewLogger("live"))
		defer observer.Close()
		if err := watchLocalChanges(observer, store, d); err != nil {
			fatalf("%v", err)
		}
	}

	fmt.Printf("%s Syncing %s with %s every %s (Ctrl+C to stop)\n",
		ui.RenderPass("✓"), cfg.DBPath, cfg.ServerURL, cfg.SyncInterval)
	if err := d.Run(ctx); err != nil {
		fatalf("%v", err)
	}
}

// watchLocalChanges requests a sync whenever any table has unsynced records
// while the server is reachable. Offline changes go out on reconnect.
func watchLocalChanges(observer *live.Observer, store *db.DB, d *daemon.Daemon) error {
	dirty := db.Query{
		Where:          []db.Cond{db.NotEq("syncStatus", string(db.StatusSynced))},
		IncludeDeleted: true,
		Limit:          1,
	}
	for _, table := range store.Registry().Names() {
		_, err := observer.Watch(table, dirty, func(recs []*db.Record) {
			if len(recs) > 0 && d.Status().IsOnline {
				d.RequestSync()
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

var _ daemon.Syncer = (*syncengine.Engine)(nil)
