package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/utils"
)

// Per-VM file names inside a Directory.
const (
	configFile   = "config.json"
	diskFile     = "disk.img"
	nvramFile    = "nvram.bin"
	snapshotFile = "snapshot.bin"
	lockFile     = ".lock"
	pidFile      = "run.pid"
	runDir       = "run"
)

// Directory is the on-disk unit representing one VM: configuration, disk
// image, firmware variable store, optional suspend snapshot, and the
// exclusive execution lock file.
type Directory struct {
	Name string
	Path string

	conf *config.Config
}

func newDirectory(conf *config.Config, name, path string) *Directory {
	return &Directory{Name: name, Path: path, conf: conf}
}

func (d *Directory) ConfigPath() string   { return filepath.Join(d.Path, configFile) }
func (d *Directory) DiskPath() string     { return filepath.Join(d.Path, diskFile) }
func (d *Directory) NVRAMPath() string    { return filepath.Join(d.Path, nvramFile) }
func (d *Directory) SnapshotPath() string { return filepath.Join(d.Path, snapshotFile) }
func (d *Directory) LockPath() string     { return filepath.Join(d.Path, lockFile) }
func (d *Directory) PIDPath() string      { return filepath.Join(d.Path, pidFile) }

// RunDir holds per-session runtime files (hypervisor api socket, logs).
func (d *Directory) RunDir() string { return filepath.Join(d.Path, runDir) }

// Config loads the VM configuration.
func (d *Directory) Config() (*Config, error) {
	return loadConfig(d.ConfigPath())
}

// SetConfig atomically persists cfg.
func (d *Directory) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("VM %s: %w", d.Name, err)
	}
	return utils.AtomicWriteJSON(d.ConfigPath(), cfg)
}

// SnapshotExists reports whether a suspend snapshot is present.
// The snapshot may be a file or a directory depending on the backend.
func (d *Directory) SnapshotExists() bool {
	_, err := os.Stat(d.SnapshotPath())
	return err == nil
}

// ExclusiveLock returns a fresh handle on the VM's execution lock.
// At most one live handle per session: the lifecycle controller constructs
// one and holds it until the session fully terminates.
func (d *Directory) ExclusiveLock() *flock.Lock {
	return flock.New(d.LockPath())
}

// CatalogSharedLock returns a fresh shared-mode handle on the catalog lock.
// The catalog lock is taken strictly before the execution lock is tested or
// acquired, so structural operations that probe the execution lock under
// the catalog lock never race a starting session.
func (d *Directory) CatalogSharedLock() *flock.Lock {
	return flock.NewShared(d.conf.CatalogLockFile())
}

// State derives the VM's current state at call time.
// The catalog shared lock is taken before the exclusive lock is probed, so
// a concurrent publish or delete is never observed mid-flight. Probing is
// side-effect free; nothing is held after return.
func (d *Directory) State(ctx context.Context) (State, error) {
	var state State
	err := lock.WithLock(ctx, d.CatalogSharedLock(), func() error {
		held, err := flock.Probe(ctx, d.LockPath())
		if err != nil {
			return fmt.Errorf("probe lock of VM %s: %w", d.Name, err)
		}
		state = DeriveState(held, d.SnapshotExists())
		return nil
	})
	return state, err
}

// Running reports whether another live process holds the execution lock.
func (d *Directory) Running(ctx context.Context) (bool, error) {
	state, err := d.State(ctx)
	return state == StateRunning, err
}

// SessionPID returns the PID recorded by the running session, 0 when absent.
func (d *Directory) SessionPID() int {
	pid, err := utils.ReadPIDFile(d.PIDPath())
	if err != nil {
		return 0
	}
	return pid
}
