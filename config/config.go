package config

import (
	"fmt"
	"os"
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/burrow/utils"
)

// Config holds global burrow configuration.
type Config struct {
	// Home is the base directory for all persistent data: the VM catalog,
	// the image cache, and the temporary namespace.
	Home string `json:"home" mapstructure:"home"`

	// CHBinary is the cloud-hypervisor binary used to back VM sessions.
	CHBinary string `json:"ch_binary" mapstructure:"ch_binary"`

	// StopTimeoutSeconds bounds the graceful-stop escalation per VM.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`

	// CacheLimit is a human-readable size ("20GB") the image cache is pruned
	// down to during GC. Empty disables pruning.
	CacheLimit string `json:"cache_limit" mapstructure:"cache_limit"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
// The home directory defaults to ~/.burrow, falling back to /var/lib/burrow
// when the invoking user has no resolvable home.
func DefaultConfig() *Config {
	home := "/var/lib/burrow"
	if userHome, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(userHome, ".burrow")
	}
	return &Config{
		Home:               home,
		CHBinary:           "cloud-hypervisor",
		StopTimeoutSeconds: 30,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// VMsDir is the published VM catalog: one subdirectory per VM.
func (c *Config) VMsDir() string { return filepath.Join(c.Home, "vms") }

// VMDir is the directory of a single published VM.
func (c *Config) VMDir(name string) string { return filepath.Join(c.VMsDir(), name) }

// TmpDir is the private temporary namespace for in-progress VM creation.
func (c *Config) TmpDir() string { return filepath.Join(c.Home, "tmp") }

// CatalogLockFile guards structural changes to the VM catalog.
func (c *Config) CatalogLockFile() string { return filepath.Join(c.Home, ".catalog.lock") }

// CacheDir is the content-addressed image cache root.
func (c *Config) CacheDir() string { return filepath.Join(c.Home, "cache") }

// CacheBlobsDir holds published content-addressed blobs.
func (c *Config) CacheBlobsDir() string { return filepath.Join(c.CacheDir(), "blobs") }

// CacheTmpDir holds in-flight downloads before publish.
func (c *Config) CacheTmpDir() string { return filepath.Join(c.CacheDir(), "tmp") }

// CacheIndexFile maps source refs to blob digests with last-used times.
func (c *Config) CacheIndexFile() string { return filepath.Join(c.CacheDir(), "index.json") }

// CacheLockFile guards the cache index and blob placement.
func (c *Config) CacheLockFile() string { return filepath.Join(c.CacheDir(), ".lock") }

// FirmwarePath returns the UEFI firmware file used to boot VMs.
func (c *Config) FirmwarePath() string { return filepath.Join(c.Home, "firmware", "CLOUDHV.fd") }

// EnsureDirs creates the home layout and the two root lock files.
// Lock files must exist before any flock can be taken on them.
func (c *Config) EnsureDirs() error {
	if err := utils.EnsureDirs(c.Home, c.VMsDir(), c.TmpDir(),
		c.CacheDir(), c.CacheBlobsDir(), c.CacheTmpDir()); err != nil {
		return err
	}
	for _, lockFile := range []string{c.CatalogLockFile(), c.CacheLockFile()} {
		if err := touchFile(lockFile); err != nil {
			return err
		}
	}
	return nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}
