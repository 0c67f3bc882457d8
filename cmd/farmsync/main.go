// Command farmsync manages an offline-first farm record store and syncs it
// with a remote server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/config"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
	"github.com/fieldmark/farmsync/internal/remote"
	syncengine "github.com/fieldmark/farmsync/internal/sync"
)

var (
	configDir  string
	jsonOutput bool

	settings = config.NewViper()
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "farmsync",
	Short: "Offline-first farm records with pull/push sync",
	Long: `farmsync keeps farm records (animals, batches, feed, health) in a local
SQLite store that works without a connection, and reconciles it with a sync
server using last-write-wins conflict resolution.

Settings come from .farmsync/config.yaml (found by walking up from the current
directory), FARMSYNC_* environment variables and flags, in increasing order
of precedence.`,
	SilenceUsage:      true,
	PersistentPreRun:  loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { closeConfig() },
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configDir, "dir", "", "Settings directory (default: nearest .farmsync)")
	flags.String("db", "", "Path to the local store")
	flags.String("server", "", "Sync server URL")
	flags.String("token", "", "Bearer token for the sync server")
	flags.String("tenant", "", "Tenant id sent to the sync server")
	flags.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	_ = settings.BindPFlag(config.KeyDBPath, flags.Lookup("db"))
	_ = settings.BindPFlag(config.KeyServerURL, flags.Lookup("server"))
	_ = settings.BindPFlag(config.KeyToken, flags.Lookup("token"))
	_ = settings.BindPFlag(config.KeyTenant, flags.Lookup("tenant"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigDir returns --dir, the nearest .farmsync above the working
// directory, or ./.farmsync when there is none yet.
func resolveConfigDir() string {
	if configDir != "" {
		return configDir
	}
	if found := config.FindDir("."); found != "" {
		return found
	}
	return config.DirName
}

func loadConfig(cmd *cobra.Command, args []string) {
	loaded, err := config.Load(settings, resolveConfigDir())
	if err != nil {
		fatalf("%v", err)
	}
	cfg = loaded
}

func closeConfig() {
	if cfg != nil {
		_ = cfg.Close()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	closeConfig()
	os.Exit(1)
}

// openStore opens the configured store. The caller must Close it.
func openStore() *db.DB {
	registry := schema.Default()
	if cfg.SchemaFile != "" {
		r, err := schema.LoadFile(cfg.SchemaFile)
		if err != nil {
			fatalf("%v", err)
		}
		registry = r
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		fatalf("failed to create store directory: %v", err)
	}
	store, err := db.Open(cfg.DBPath, &db.Options{
		Registry: registry,
		Logger:   cfg.NewLogger("db"),
	})
	if err != nil {
		fatalf("%v", err)
	}
	return store
}

func newTransport() *remote.HTTPClient {
	if err := cfg.RequireServer(); err != nil {
		fatalf("%v", err)
	}
	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL:  cfg.ServerURL,
		Token:    cfg.Token,
		TenantID: cfg.Tenant,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		fatalf("%v", err)
	}
	return client
}

func newEngine(store *db.DB, transport remote.Transport) *syncengine.Engine {
	return syncengine.New(store, transport, &syncengine.Config{
		RequestTimeout:  cfg.RequestTimeout,
		PurgeTombstones: cfg.PurgeTombstones,
		Logger:          cfg.NewLogger("sync"),
	})
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encoding JSON: %v", err)
	}
}
