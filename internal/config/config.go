// Package config loads dropsync configuration from the environment, with
// optional overrides from a dropsync.yaml file next to the binary.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// overrideFile is the optional YAML settings file. Keys use the same
	// names as the environment variables; values set here apply only
	// when the variable is not already set in the environment.
	overrideFile = "dropsync.yaml"

	// deviceCeilingMultiplier is the hard local ceiling relative to the
	// inline threshold: files above InlineMaxBytes*5 go straight to the
	// remote object store.
	deviceCeilingMultiplier = 5
)

// Config holds all configuration for the dropsync daemon.
type Config struct {
	// Environment controls log format ("production" uses JSON).
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// ListenAddr is the address the UI-facing HTTP API binds to.
	ListenAddr string `env:"DROPSYNC_LISTEN_ADDR" envDefault:":8080"`

	// DataDir holds the local database and device-storage payload files.
	// Defaults to ~/.dropsync.
	DataDir string `env:"DROPSYNC_DATA_DIR"`

	// RemoteURL is the base URL of the remote metadata and blob service.
	RemoteURL string `env:"DROPSYNC_REMOTE_URL"`

	// RemoteToken is the session token for the active principal. Remote
	// operations fail with Unauthenticated when it is empty.
	RemoteToken string `env:"DROPSYNC_REMOTE_TOKEN"`

	// PrincipalID identifies the active principal for ownership checks.
	PrincipalID string `env:"DROPSYNC_PRINCIPAL_ID"`

	// EnableFeed subscribes to the remote change feed over WebSocket.
	EnableFeed bool `env:"DROPSYNC_ENABLE_FEED" envDefault:"true"`

	// InlineMaxBytes is the small-file threshold: payloads at or below
	// this size are stored inline in the local database.
	InlineMaxBytes int64 `env:"DROPSYNC_INLINE_MAX_BYTES" envDefault:"262144"`

	// DeviceMaxBytes is the hard local ceiling. Zero means
	// InlineMaxBytes * 5.
	DeviceMaxBytes int64 `env:"DROPSYNC_DEVICE_MAX_BYTES"`

	// LocalQuotaBytes caps local consumption: database bytes plus the
	// payload files in device storage. Zero means the device capacity is
	// unknown; getStorageUsage reports a null quota.
	LocalQuotaBytes int64 `env:"DROPSYNC_LOCAL_QUOTA_BYTES" envDefault:"104857600"`

	// Debounce is the quiet period after the last local mutation before
	// a reconciliation pass starts.
	Debounce time.Duration `env:"DROPSYNC_DEBOUNCE" envDefault:"1s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// applyOverrideFile reads dropsync.yaml (if present) and sets each key as
// an environment variable unless the environment already defines it, so
// the precedence is defaults < file < environment.
func applyOverrideFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading %s: %w", path, err)
	}

	overrides := map[string]string{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, value := range overrides {
		if _, set := os.LookupEnv(key); set {
			continue
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("applying override %s: %w", key, err)
		}
	}

	return nil
}

// Load reads configuration from the environment. It first attempts to
// load a .env file and the YAML override file, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	if err := applyOverrideFile(overrideFile); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if cfg.DeviceMaxBytes == 0 {
		cfg.DeviceMaxBytes = cfg.InlineMaxBytes * deviceCeilingMultiplier
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir to an absolute path at startup. The device tier
	// stores absolute payload paths in file records, so the base must
	// not shift with the working directory.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("DROPSYNC_REMOTE_URL is required")
	}

	if c.InlineMaxBytes <= 0 {
		return fmt.Errorf("DROPSYNC_INLINE_MAX_BYTES must be positive")
	}

	if c.DeviceMaxBytes < c.InlineMaxBytes {
		return fmt.Errorf("DROPSYNC_DEVICE_MAX_BYTES must be at least the inline threshold")
	}

	if c.Debounce <= 0 {
		return fmt.Errorf("DROPSYNC_DEBOUNCE must be positive")
	}

	return nil
}

// DefaultDataDir returns ~/.dropsync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".dropsync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DBPath returns the local database file path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "dropsync.db")
}

// BlobDir returns the device-storage payload directory.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}
