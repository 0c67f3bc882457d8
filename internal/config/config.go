// Package config loads farmsync settings from .farmsync/config.yaml,
// FARMSYNC_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DirName is the per-project settings directory.
	DirName = ".farmsync"

	// FileName is the config file inside DirName.
	FileName = "config.yaml"

	// EnvPrefix prefixes environment overrides, e.g. FARMSYNC_SERVER_URL.
	EnvPrefix = "FARMSYNC"
)

// Keys understood in config.yaml and as FARMSYNC_<KEY> variables.
const (
	KeyDBPath         = "db_path"
	KeyServerURL      = "server_url"
	KeyToken          = "token"
	KeyTenant         = "tenant"
	KeySchemaFile     = "schema_file"
	KeySyncInterval   = "sync_interval"
	KeyProbeInterval  = "probe_interval"
	KeyRequestTimeout = "request_timeout"
	KeyMaxBackoff     = "max_backoff"
	KeyPurge          = "purge_tombstones"
	KeyDashboardPort  = "dashboard_port"
	KeyIngestDir      = "ingest_dir"
	KeyLogFile        = "log_file"
	KeyLogMaxSizeMB   = "log_max_size_mb"
)

// ErrNoServer is returned by RequireServer when no server is configured.
var ErrNoServer = errors.New("no sync server configured (set server_url or FARMSYNC_SERVER_URL)")

// Config is the resolved configuration. Paths are absolute.
type Config struct {
	Dir  string
	File string

	DBPath     string
	SchemaFile string
	IngestDir  string

	ServerURL string
	Token     string
	Tenant    string

	SyncInterval   time.Duration
	ProbeInterval  time.Duration
	RequestTimeout time.Duration
	MaxBackoff     time.Duration

	PurgeTombstones bool
	DashboardPort   int

	LogFile      string
	LogMaxSizeMB int

	logOnce   sync.Once
	logWriter io.Writer
	logCloser io.Closer
}

// NewViper returns a viper instance with defaults and environment binding.
// Callers bind flags on it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDBPath, "farm.db")
	v.SetDefault(KeySyncInterval, 30*time.Second)
	v.SetDefault(KeyProbeInterval, 10*time.Second)
	v.SetDefault(KeyRequestTimeout, 30*time.Second)
	v.SetDefault(KeyMaxBackoff, 10*time.Minute)
	v.SetDefault(KeyPurge, false)
	v.SetDefault(KeyDashboardPort, 0)
	v.SetDefault(KeyIngestDir, "inbox")
	v.SetDefault(KeyLogMaxSizeMB, 10)

	// AutomaticEnv only applies to keys viper already knows.
	for _, k := range []string{KeyServerURL, KeyToken, KeyTenant, KeySchemaFile, KeyLogFile} {
		_ = v.BindEnv(k)
	}
	return v
}

// FindDir walks up from start looking for a DirName directory. It returns
// "" if none is found.
func FindDir(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Load reads dir/config.yaml if present and resolves the settings in v.
// Relative paths are taken relative to dir.
func Load(v *viper.Viper, dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir: %w", err)
	}

	file := filepath.Join(dir, FileName)
	cfg := &Config{Dir: dir}
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		cfg.File = file
	}

	resolve := func(key string) string {
		p := v.GetString(key)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	cfg.DBPath = resolve(KeyDBPath)
	cfg.SchemaFile = resolve(KeySchemaFile)
	cfg.IngestDir = resolve(KeyIngestDir)
	cfg.LogFile = resolve(KeyLogFile)
	cfg.ServerURL = strings.TrimRight(v.GetString(KeyServerURL), "/")
	cfg.Token = v.GetString(KeyToken)
	cfg.Tenant = v.GetString(KeyTenant)
	cfg.SyncInterval = v.GetDuration(KeySyncInterval)
	cfg.ProbeInterval = v.GetDuration(KeyProbeInterval)
	cfg.RequestTimeout = v.GetDuration(KeyRequestTimeout)
	cfg.MaxBackoff = v.GetDuration(KeyMaxBackoff)
	cfg.PurgeTombstones = v.GetBool(KeyPurge)
	cfg.DashboardPort = v.GetInt(KeyDashboardPort)
	cfg.LogMaxSizeMB = v.GetInt(KeyLogMaxSizeMB)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. An empty server URL is allowed; commands
// that talk to the server call RequireServer.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%s cannot be empty", KeyDBPath)
	}
	for key, d := range map[string]time.Duration{
		KeySyncInterval:   c.SyncInterval,
		KeyProbeInterval:  c.ProbeInterval,
		KeyRequestTimeout: c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.MaxBackoff < c.SyncInterval {
		return fmt.Errorf("%s (%s) must be at least %s (%s)", KeyMaxBackoff, c.MaxBackoff, KeySyncInterval, c.SyncInterval)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyDashboardPort, c.DashboardPort)
	}
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", KeyServerURL, c.ServerURL)
		}
	}
	return nil
}

// RequireServer returns ErrNoServer when no server URL is set.
func (c *Config) RequireServer() error {
	if c.ServerURL == "" {
		return ErrNoServer
	}
	return nil
}

// Save writes values to dir/config.yaml, merging with the existing file.
func Save(dir string, values map[string]any) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	file := filepath.Join(dir, FileName)

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	if _, err := os.Stat(file); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	for k, val := range values {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(file); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	return file, nil
}

// NewLogger returns a logger with a bracketed component prefix. When
// log_file is set every logger shares one rotating file; otherwise logs go
// to stderr.
func (c *Config) NewLogger(component string) *log.Logger {
	c.logOnce.Do(func() {
		if c.LogFile == "" {
			c.logWriter = os.Stderr
			return
		}
		lj := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
		}
		c.logWriter = lj
		c.logCloser = lj
	})
	return log.New(c.logWriter, "["+component+"] ", log.LstdFlags)
}

// Close releases the log file, if any.
func (c *Config) Close() error {
	if c.logCloser != nil {
		return c.logCloser.Close()
	}
	return nil
}
