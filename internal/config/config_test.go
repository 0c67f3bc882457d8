package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)

	cfg, err := Load(NewViper(), dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want empty without config.yaml", cfg.File)
	}
	if cfg.DBPath != filepath.Join(dir, "farm.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.IngestDir != filepath.Join(dir, "inbox") {
		t.Errorf("IngestDir = %q", cfg.IngestDir)
	}
	if cfg.SyncInterval != 30*time.Second || cfg.MaxBackoff != 10*time.Minute {
		t.Errorf("intervals = %s / %s", cfg.SyncInterval, cfg.MaxBackoff)
	}
	if cfg.LogFile != "" {
		t.Errorf("LogFile = %q, want empty", cfg.LogFile)
	}
	if !errors.Is(cfg.RequireServer(), ErrNoServer) {
		t.Error("RequireServer() should fail without server_url")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	writeConfig(t, dir, `
server_url: https://sync.example.com/
tenant: north-farm
db_path: /var/lib/farm.db
sync_interval: 1m
log_file: logs/farmsync.log
`)
	t.Setenv("FARMSYNC_TENANT", "south-farm")
	t.Setenv("FARMSYNC_PURGE_TOMBSTONES", "true")

	cfg, err := Load(NewViper(), dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != filepath.Join(dir, FileName) {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.ServerURL != "https://sync.example.com" {
		t.Errorf("ServerURL = %q, want trailing slash trimmed", cfg.ServerURL)
	}
	if cfg.Tenant != "south-farm" {
		t.Errorf("Tenant = %q, want env override", cfg.Tenant)
	}
	if !cfg.PurgeTombstones {
		t.Error("PurgeTombstones not read from env")
	}
	if cfg.DBPath != "/var/lib/farm.db" {
		t.Errorf("DBPath = %q, absolute path should be kept", cfg.DBPath)
	}
	if cfg.LogFile != filepath.Join(dir, "logs", "farmsync.log") {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if cfg.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %s", cfg.SyncInterval)
	}
	if err := cfg.RequireServer(); err != nil {
		t.Errorf("RequireServer() = %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad url", "server_url: ftp://x\n", "server_url"},
		{"zero interval", "sync_interval: 0s\n", "sync_interval"},
		{"backoff below interval", "sync_interval: 5m\nmax_backoff: 1m\n", "max_backoff"},
		{"port range", "dashboard_port: 70000\n", "dashboard_port"},
		{"bad yaml", "server_url: [\n", "failed to read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), DirName)
			writeConfig(t, dir, tt.body)
			_, err := Load(NewViper(), dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindDir(t *testing.T) {
	root := t.TempDir()
	settings := filepath.Join(root, DirName)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(settings, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	if got := FindDir(nested); got != settings {
		t.Errorf("FindDir(nested) = %q, want %q", got, settings)
	}
	if got := FindDir(root); got != settings {
		t.Errorf("FindDir(root) = %q, want %q", got, settings)
	}
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	if _, err := Save(dir, map[string]any{KeyServerURL: "http://localhost:8080", KeyTenant: "t1"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	// A second save merges with what is already there.
	if _, err := Save(dir, map[string]any{KeyTenant: "t2"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	cfg, err := Load(NewViper(), dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" || cfg.Tenant != "t2" {
		t.Errorf("loaded %q / %q", cfg.ServerURL, cfg.Tenant)
	}
}

func TestNewLogger_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), DirName)
	writeConfig(t, dir, "log_file: farmsync.log\n")
	cfg, err := Load(NewViper(), dir)
	if err != nil {
		t.Fatal(err)
	}

	cfg.NewLogger("sync").Println("pulled 3 records")
	cfg.NewLogger("daemon").Println("started")
	if err := cfg.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	out := string(data)
	for _, want := range []string{"[sync] ", "pulled 3 records", "[daemon] ", "started"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
