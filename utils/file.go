package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
)

// StaleTempAge is the age threshold for removing stale temp files during GC.
const StaleTempAge = time.Hour

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidFile returns true if path is a regular file with size > 0.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// FileExists returns true if path exists as a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ScanFileStems returns the name-without-suffix of every file in dir whose
// name ends with suffix. Used by GC to enumerate on-disk blobs.
func ScanFileStems(dir, suffix string) []string {
	entries, _ := os.ReadDir(dir)
	var stems []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			stems = append(stems, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	return stems
}

// ScanSubdirs returns the names of all immediate subdirectories of dir.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// CopyFile copies src to dst preserving perm, failing if dst exists.
func CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // internal managed path
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()    //nolint:errcheck,gosec
		os.Remove(dst) //nolint:errcheck,gosec
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst) //nolint:errcheck,gosec
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// RemoveMatching scans dir and removes entries where match returns true.
// Returns a slice of errors for entries that could not be removed.
func RemoveMatching(ctx context.Context, dir string, match func(os.DirEntry) bool) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read %s: %w", dir, err)}
	}

	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		} else {
			log.WithFunc("gc").Infof(ctx, "GC removed: %s", path)
		}
	}
	return errs
}

// IsStale reports whether a directory entry's mtime is older than StaleTempAge.
func IsStale(e os.DirEntry) bool {
	info, err := e.Info()
	return err == nil && IsStaleInfo(info)
}

// IsStaleInfo reports whether a FileInfo's mtime is older than StaleTempAge.
func IsStaleInfo(info os.FileInfo) bool {
	return time.Since(info.ModTime()) > StaleTempAge
}
