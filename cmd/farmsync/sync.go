package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/daemon"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/remote"
	"github.com/fieldmark/farmsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Pull server changes since the last sync, apply them, then push every local
change. Only one process may sync a store at a time; if a daemon holds the
store, ask it to sync instead.`,
	Run: runSync,
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store and sync status",
	Run:     runStatus,
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	transport := newTransport()

	lock, err := daemon.AcquireLock(daemon.LockPath(cfg.DBPath))
	if errors.Is(err, daemon.ErrLocked) {
		fatalf("%v\nA daemon is probably running; it syncs on its own schedule.", err)
	}
	if err != nil {
		fatalf("%v", err)
	}
	defer lock.Release()

	store := openStore()
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := newEngine(store, transport).Sync(ctx)
	if err != nil {
		if result != nil && !jsonOutput {
			fmt.Fprintf(os.Stderr, "Partial cycle: %s\n", result)
		}
		hint := ""
		switch {
		case remote.IsOffline(err):
			hint = "\nLocal changes are kept and will be pushed once the server is reachable."
		case errors.Is(err, remote.ErrStalePush):
			hint = "\nThe server changed since the last pull; run sync again."
		}
		lock.Release()
		store.Close()
		fatalf("sync failed: %v%s", err, hint)
	}

	if jsonOutput {
		outputJSON(result)
		return
	}
	fmt.Printf("%s Sync complete\n", ui.RenderPass("✓"))
	fmt.Printf("  pulled:    %d (applied %d, kept local %d, discarded local %d)\n",
		result.Pulled, result.Applied, result.KeptLocal, result.DiscardedLocal)
	fmt.Printf("  pushed:    %d created, %d updated, %d deleted\n",
		result.PushedCreated, result.PushedUpdated, result.PushedDeleted)
	if result.Purged > 0 {
		fmt.Printf("  purged:    %s\n", ui.Count(result.Purged, "tombstone"))
	}
	if len(result.SkippedTables) > 0 {
		fmt.Printf("  %s unknown tables skipped: %v\n", ui.RenderWarn("⚠"), result.SkippedTables)
	}
	fmt.Printf("  watermark: %s\n", remote.FormatTime(result.Watermark))
}

type statusOutput struct {
	DBPath     string          `json:"dbPath"`
	Server     string          `json:"server,omitempty"`
	Tables     []db.Stats      `json:"tables"`
	Dirty      int             `json:"dirty"`
	Watermark  *time.Time      `json:"watermark"`
	LastSyncAt *time.Time      `json:"lastSyncAt"`
	DaemonPID  int             `json:"daemonPid,omitempty"`
	Daemon     *daemonSnapshot `json:"daemon,omitempty"`
}

// daemonSnapshot mirrors daemon.Status as served by the dashboard.
type daemonSnapshot struct {
	IsSyncing           bool       `json:"isSyncing"`
	IsOnline            bool       `json:"isOnline"`
	Paused              bool       `json:"paused"`
	LastSyncAt          *time.Time `json:"lastSyncAt"`
	LastError           *string    `json:"lastError"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

func runStatus(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()
	ctx := context.Background()

	out := statusOutput{DBPath: cfg.DBPath, Server: cfg.ServerURL}
	var err error
	if out.Tables, err = store.Stats(ctx); err != nil {
		fatalf("%v", err)
	}
	if out.Dirty, err = store.DirtyCount(ctx); err != nil {
		fatalf("%v", err)
	}
	if wm, ok, err := store.Watermark(ctx); err != nil {
		fatalf("%v", err)
	} else if ok {
		out.Watermark = &wm
	}
	if last, ok, err := store.LastSyncAt(ctx); err != nil {
		fatalf("%v", err)
	} else if ok {
		out.LastSyncAt = &last
	}
	if pid, ok := daemon.Holder(daemon.LockPath(cfg.DBPath)); ok {
		out.DaemonPID = pid
		out.Daemon = fetchDaemonStatus(cfg.DashboardPort)
	}

	if jsonOutput {
		outputJSON(out)
		return
	}

	fmt.Printf("Store:   %s\n", out.DBPath)
	if out.Server != "" {
		fmt.Printf("Server:  %s\n", out.Server)
	} else {
		fmt.Printf("Server:  %s\n", ui.RenderWarn("not configured"))
	}
	fmt.Printf("Last sync: %s\n", formatOptionalTime(out.LastSyncAt))
	fmt.Printf("Watermark: %s\n", formatOptionalTime(out.Watermark))
	if out.Dirty > 0 {
		fmt.Printf("Pending:   %s\n", ui.RenderWarn(ui.Count(out.Dirty, "unsynced change")))
	} else {
		fmt.Printf("Pending:   %s\n", ui.RenderPass("none"))
	}
	if out.DaemonPID != 0 {
		line := fmt.Sprintf("running (pid %d)", out.DaemonPID)
		if d := out.Daemon; d != nil {
			switch {
			case d.IsSyncing:
				line += ", syncing"
			case !d.IsOnline:
				line += ", " + ui.RenderWarn("offline")
			default:
				line += ", online"
			}
			if d.LastError != nil {
				line += ", last error: " + ui.RenderFail(*d.LastError)
			}
		}
		fmt.Printf("Daemon:    %s\n", line)
	}
	fmt.Println()

	rows := make([][]string, 0, len(out.Tables))
	for _, s := range out.Tables {
		if s.Live == 0 && s.Deleted == 0 {
			continue
		}
		rows = append(rows, []string{s.Table, fmt.Sprint(s.Live), fmt.Sprint(s.Deleted), fmt.Sprint(s.Dirty)})
	}
	if len(rows) == 0 {
		fmt.Println("No records yet")
		return
	}
	fmt.Print(ui.Table([]string{"TABLE", "LIVE", "DELETED", "DIRTY"}, rows))
}

// fetchDaemonStatus asks a running daemon's dashboard for its status. It
// returns nil when there is no dashboard or it does not answer.
func fetchDaemonStatus(port int) *daemonSnapshot {
	if port == 0 {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var snap daemonSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil
	}
	return &snap
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), time.Since(*t).Round(time.Second))
}
