package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/utils"
)

// snapshot is the typed GC snapshot for the cache module.
type snapshot struct {
	refs  map[string]struct{} // digest hexes referenced by the index
	blobs []string            // digest hexes of blob files on disk
}

// GCModule returns the cache's gc.Module: it collects blobs no index entry
// references plus stale temp downloads.
func (c *Cache) GCModule() gc.Module[snapshot] {
	return gc.Module[snapshot]{
		Name:   "cache",
		Locker: c.locker,
		ReadDB: func(ctx context.Context) (snapshot, error) {
			var snap snapshot
			if err := c.store.Read(func(idx *index) error {
				snap.refs = idx.referencedDigests()
				return nil
			}); err != nil {
				return snap, err
			}
			snap.blobs = utils.ScanFileStems(c.conf.CacheBlobsDir(), blobExt)
			return snap, nil
		},
		Resolve: func(snap snapshot, _ map[string]any) []string {
			var unreferenced []string
			for _, hex := range snap.blobs {
				if _, ok := snap.refs[hex]; !ok {
					unreferenced = append(unreferenced, hex)
				}
			}
			return unreferenced
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			errs = append(errs, utils.RemoveMatching(ctx, c.conf.CacheTmpDir(), utils.IsStale)...)
			for _, hex := range ids {
				path := filepath.Join(c.conf.CacheBlobsDir(), hex+blobExt)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the cache GC module with the given Orchestrator.
func (c *Cache) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, c.GCModule())
}
