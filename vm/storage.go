package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/lock/flock"
	"github.com/projecteru2/burrow/utils"
)

var (
	// ErrNotFound is returned when a VM name does not exist in the catalog.
	ErrNotFound = errors.New("VM not found")
	// ErrExists is returned when publishing over an existing VM name.
	ErrExists = errors.New("VM already exists")
	// ErrInUse is returned when a structural operation targets a VM whose
	// execution lock is held by a live process.
	ErrInUse = errors.New("VM is in use")
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Storage is the catalog of VM directories under the burrow home.
//
// Two-tier locking: the catalog lock is always taken before any per-VM
// lock is probed. Enumeration and publish hold it shared, so List never
// observes a half-renamed entry. Operations that probe a VM's execution
// lock and then mutate the directory (delete, rename, clone) hold it
// exclusive: sessions acquire their execution lock under the shared
// catalog lock, so the exclusive mode makes probe-then-mutate atomic
// against a starting session. Execution of one VM is serialized
// separately by that VM's exclusive lock.
type Storage struct {
	conf *config.Config
}

// NewStorage creates the catalog, ensuring the home layout exists.
func NewStorage(conf *config.Config) (*Storage, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &Storage{conf: conf}, nil
}

// withCatalog runs fn while holding the catalog lock in shared mode.
// A fresh handle per call keeps independent goroutines of one process from
// serializing behind each other's in-process token.
func (s *Storage) withCatalog(ctx context.Context, fn func() error) error {
	return lock.WithLock(ctx, flock.NewShared(s.conf.CatalogLockFile()), fn)
}

// withCatalogExclusive runs fn while holding the catalog lock exclusively.
// Required wherever fn probes an execution lock and then mutates the VM
// directory: a session cannot slip in between, because it takes the shared
// catalog lock around its own lock acquisition.
func (s *Storage) withCatalogExclusive(ctx context.Context, fn func() error) error {
	return lock.WithLock(ctx, flock.New(s.conf.CatalogLockFile()), fn)
}

// CatalogLocker returns an exclusive-mode handle on the catalog lock.
// GC holds it to freeze the catalog for a whole collection cycle.
func (s *Storage) CatalogLocker() lock.Locker {
	return flock.New(s.conf.CatalogLockFile())
}

// Open resolves name to a published VM directory.
func (s *Storage) Open(ctx context.Context, name string) (*Directory, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := newDirectory(s.conf, name, s.conf.VMDir(name))
	err := s.withCatalog(ctx, func() error {
		if !utils.FileExists(dir.ConfigPath()) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// List enumerates published VM directories, sorted by name.
// Entries without a config file (mid-creation leftovers) are skipped.
func (s *Storage) List(ctx context.Context) ([]*Directory, error) {
	var dirs []*Directory
	err := s.withCatalog(ctx, func() error {
		for _, name := range utils.ScanSubdirs(s.conf.VMsDir()) {
			dir := newDirectory(s.conf, name, s.conf.VMDir(name))
			if !utils.FileExists(dir.ConfigPath()) {
				continue
			}
			dirs = append(dirs, dir)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return dirs, nil
}

// CreateTemporary allocates a fresh VM directory under the private temporary
// namespace. A failed or interrupted creation never pollutes the published
// catalog; orphaned temporaries are collected by GC.
func (s *Storage) CreateTemporary(ctx context.Context) (*Directory, error) {
	name := uuid.NewString()
	path := filepath.Join(s.conf.TmpDir(), name)
	if err := utils.EnsureDirs(path); err != nil {
		return nil, err
	}
	dir := newDirectory(s.conf, name, path)
	// The lock file must exist before anyone can probe the VM's state.
	if err := os.WriteFile(dir.LockPath(), nil, 0o644); err != nil { //nolint:gosec
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	log.WithFunc("vm.CreateTemporary").Debugf(ctx, "temporary VM dir: %s", path)
	return dir, nil
}

// Publish atomically renames a temporary directory into the published
// catalog under name. The temporary directory is consumed on success.
func (s *Storage) Publish(ctx context.Context, name string, tmp *Directory) (*Directory, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	target := newDirectory(s.conf, name, s.conf.VMDir(name))
	err := s.withCatalog(ctx, func() error {
		if _, err := os.Stat(target.Path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		if err := os.Rename(tmp.Path, target.Path); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		return utils.SyncParentDir(s.conf.VMsDir())
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// Create builds a new VM: temporary directory, config, sparse disk, empty
// NVRAM, then publish. When imagePath is non-empty the disk is cloned from
// that cached image instead of being allocated empty.
func (s *Storage) Create(ctx context.Context, name string, cfg *Config, imagePath string) (*Directory, error) {
	logger := log.WithFunc("vm.Create")
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	tmp, err := s.CreateTemporary(ctx)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp.Path) //nolint:errcheck // no-op after successful publish

	if imagePath != "" {
		logger.Infof(ctx, "cloning disk from %s", imagePath)
		if err := utils.CopyFile(imagePath, tmp.DiskPath(), 0o644); err != nil {
			return nil, fmt.Errorf("clone disk: %w", err)
		}
		// The catalog must report the clone's real size, not the preset.
		info, err := os.Stat(tmp.DiskPath())
		if err != nil {
			return nil, fmt.Errorf("stat cloned disk: %w", err)
		}
		cfg.DiskSize = info.Size()
	} else if err := allocateSparse(tmp.DiskPath(), cfg.DiskSize); err != nil {
		return nil, fmt.Errorf("allocate disk: %w", err)
	}
	if err := utils.AtomicWriteJSON(tmp.ConfigPath(), cfg); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(tmp.NVRAMPath(), nil, 0o644); err != nil { //nolint:gosec
		return nil, fmt.Errorf("create nvram: %w", err)
	}

	dir, err := s.Publish(ctx, name, tmp)
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "VM created: %s", name)
	return dir, nil
}

// Clone duplicates a stopped or suspended VM under a new name.
// The copy gets a fresh MAC address; session files are not carried over.
func (s *Storage) Clone(ctx context.Context, srcName, dstName string) (*Directory, error) {
	if err := validateName(dstName); err != nil {
		return nil, err
	}
	src, err := s.Open(ctx, srcName)
	if err != nil {
		return nil, err
	}

	tmp, err := s.CreateTemporary(ctx)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp.Path) //nolint:errcheck

	// Copy under the exclusive catalog lock with the source's execution lock
	// free, so a concurrently starting session cannot mutate the disk mid-copy.
	err = s.withCatalogExclusive(ctx, func() error {
		held, err := flock.Probe(ctx, src.LockPath())
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: %s", ErrInUse, srcName)
		}
		for _, name := range []string{configFile, diskFile, nvramFile, snapshotFile} {
			srcPath := filepath.Join(src.Path, name)
			if !utils.FileExists(srcPath) {
				continue
			}
			if err := utils.CopyFile(srcPath, filepath.Join(tmp.Path, name), 0o644); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cfg, err := tmp.Config()
	if err != nil {
		return nil, err
	}
	cfg.MACAddress = GenerateMAC()
	if err := tmp.SetConfig(cfg); err != nil {
		return nil, err
	}
	return s.Publish(ctx, dstName, tmp)
}

// Rename moves a VM to a new name. Fails with ErrInUse while a session
// holds the execution lock.
func (s *Storage) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	src, err := s.Open(ctx, oldName)
	if err != nil {
		return err
	}
	return s.withCatalogExclusive(ctx, func() error {
		held, err := flock.Probe(ctx, src.LockPath())
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: %s", ErrInUse, oldName)
		}
		dst := s.conf.VMDir(newName)
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, newName)
		}
		if err := os.Rename(src.Path, dst); err != nil {
			return fmt.Errorf("rename %s -> %s: %w", oldName, newName, err)
		}
		return utils.SyncParentDir(s.conf.VMsDir())
	})
}

// Delete removes a VM directory. Fails with ErrInUse while a session holds
// the execution lock.
func (s *Storage) Delete(ctx context.Context, name string) error {
	dir, err := s.Open(ctx, name)
	if err != nil {
		return err
	}
	return s.withCatalogExclusive(ctx, func() error {
		held, err := flock.Probe(ctx, dir.LockPath())
		if err != nil {
			return err
		}
		if held {
			return fmt.Errorf("%w: %s", ErrInUse, name)
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		log.WithFunc("vm.Delete").Infof(ctx, "VM deleted: %s", name)
		return nil
	})
}

func validateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid VM name %q", name)
	}
	return nil
}

// allocateSparse creates a sparse file of the given size.
func allocateSparse(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close() //nolint:errcheck,gosec
		return err
	}
	return f.Close()
}
