package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/lock/flock"
	storejson "github.com/projecteru2/burrow/storage/json"
)

// blobExt is the declared kind suffix for disk-image blobs.
const blobExt = ".img"

// Cache is the content-addressed store for downloaded OS images.
// Blobs live under their content digest; an index maps source refs to
// digests and records last-used times for LRU eviction. Blob placement and
// index writes share one flock so no reader observes a half-published entry.
type Cache struct {
	conf   *config.Config
	store  *storejson.Store[index]
	locker lock.Locker
}

// Image is one cached artifact as reported by List.
type Image struct {
	Ref       string
	Digest    Digest
	Size      int64
	CreatedAt time.Time
	LastUsed  time.Time
}

// New creates the cache, ensuring its directory layout exists.
func New(conf *config.Config) (*Cache, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	locker := flock.New(conf.CacheLockFile())
	return &Cache{
		conf:   conf,
		store:  storejson.New[index](conf.CacheIndexFile(), locker),
		locker: locker,
	}, nil
}

// LocationFor maps a content digest to its on-disk blob slot.
// Existence is not guaranteed.
func (c *Cache) LocationFor(d Digest) string {
	return filepath.Join(c.conf.CacheBlobsDir(), d.Hex()+blobExt)
}

// Touch refreshes the last-used time of ref for LRU bookkeeping.
// Unknown refs are ignored.
func (c *Cache) Touch(ctx context.Context, ref string) error {
	return c.store.Update(ctx, func(idx *index) error {
		if r, entry, ok := idx.Lookup(ref); ok {
			entry.LastUsed = time.Now()
			idx.Images[r] = entry
		}
		return nil
	})
}

// List returns all cached images sorted by ref.
func (c *Cache) List(ctx context.Context) (result []*Image, err error) {
	err = c.store.With(ctx, func(idx *index) error {
		for _, entry := range idx.Images {
			var size int64
			if info, statErr := os.Stat(c.LocationFor(entry.ContentSum)); statErr == nil {
				size = info.Size()
			}
			result = append(result, &Image{
				Ref:       entry.Ref,
				Digest:    entry.ContentSum,
				Size:      size,
				CreatedAt: entry.CreatedAt,
				LastUsed:  entry.LastUsed,
			})
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Ref < result[j].Ref })
	return
}

// Delete removes images from the index by ref or digest.
// Returns the refs actually deleted. Blob files are left for GC, which
// removes them once no index entry references their digest.
func (c *Cache) Delete(ctx context.Context, ids []string) ([]string, error) {
	logger := log.WithFunc("cache.Delete")
	var deleted []string
	return deleted, c.store.Update(ctx, func(idx *index) error {
		for _, id := range ids {
			ref, _, ok := idx.Lookup(id)
			if !ok {
				logger.Infof(ctx, "image %q not found, skipping", id)
				continue
			}
			delete(idx.Images, ref)
			deleted = append(deleted, ref)
			logger.Infof(ctx, "deleted from index: %s", ref)
		}
		return nil
	})
}

// Prune evicts least-recently-used entries until the total blob size is at
// or below limit. Runs entirely under the cache lock so a concurrent pull
// cannot race blob removal.
func (c *Cache) Prune(ctx context.Context, limit int64) error {
	logger := log.WithFunc("cache.Prune")
	return c.store.Update(ctx, func(idx *index) error {
		entries := make([]*entry, 0, len(idx.Images))
		var total int64
		for _, e := range idx.Images {
			if info, err := os.Stat(c.LocationFor(e.ContentSum)); err == nil {
				e.Size = info.Size()
			}
			total += e.Size
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].LastUsed.Before(entries[j].LastUsed)
		})

		// Deduplicated blobs may be referenced by several refs; the blob file
		// goes away only with its last reference.
		refsByDigest := make(map[Digest]int, len(entries))
		for _, e := range entries {
			refsByDigest[e.ContentSum]++
		}

		for _, e := range entries {
			if total <= limit {
				break
			}
			refsByDigest[e.ContentSum]--
			if refsByDigest[e.ContentSum] == 0 {
				if err := os.Remove(c.LocationFor(e.ContentSum)); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("evict blob %s: %w", e.ContentSum, err)
				}
			}
			delete(idx.Images, e.Ref)
			total -= e.Size
			logger.Infof(ctx, "evicted %s (%s, last used %s)", e.Ref, e.ContentSum, e.LastUsed)
		}
		return nil
	})
}
