package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/fetch"
	"github.com/projecteru2/burrow/progress"
	pullProgress "github.com/projecteru2/burrow/progress/pull"
	"github.com/projecteru2/burrow/utils"
)

// report every 1 MiB
const progressInterval = 1 << 20

// IntegrityError reports a mismatch between a remote-declared digest and
// the digest computed from the downloaded bytes. The blob is still published
// under the computed digest — content addressing is self-verifying — so
// Path points at a valid copy of whatever the remote actually served.
type IntegrityError struct {
	Ref      string
	Declared Digest
	Computed Digest
	Path     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("corrupted download %s: remote declared %s, content is %s", e.Ref, e.Declared, e.Computed)
}

// FetchOrDownload resolves ref to a published blob path, downloading on miss.
//
// Resolution order:
//  1. Index hit with a valid blob → refresh last-used, return.
//  2. Remote metadata advertises a digest whose blob is already on disk →
//     adopt it into the index without consuming the stream.
//  3. Stream into a private temp file while computing SHA-256, then publish
//     by atomic rename under the computed digest. A truncated or cancelled
//     download leaves only a temp file, never a final-named blob.
//
// On a declared/computed digest mismatch the blob is published anyway and
// the returned error is an *IntegrityError carrying the published path.
func (c *Cache) FetchOrDownload(ctx context.Context, f fetch.Fetcher, ref string, tracker progress.Tracker) (string, error) {
	logger := log.WithFunc("cache.FetchOrDownload")

	// Idempotency check: ref already indexed and blob valid.
	var hitPath string
	if err := c.store.Update(ctx, func(idx *index) error {
		if _, e, ok := idx.Lookup(ref); ok {
			path := c.LocationFor(e.ContentSum)
			if utils.ValidFile(path) {
				e.LastUsed = time.Now()
				hitPath = path
			}
		}
		return nil
	}); err != nil {
		return "", err
	}
	if hitPath != "" {
		logger.Infof(ctx, "image %s already cached, skipping", ref)
		tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseDone})
		return hitPath, nil
	}

	stream, md, err := f.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	defer stream.Close() //nolint:errcheck

	// Declared-digest short circuit: same content under a different ref.
	declared, haveDeclared := ParseDigest(md.Digest)
	if haveDeclared && utils.ValidFile(c.LocationFor(declared)) {
		logger.Infof(ctx, "blob %s already present, adopting for %s", declared, ref)
		return c.commit(ctx, ref, declared, tracker)
	}

	computed, tmpPath, err := c.download(ctx, ref, stream, md.ContentLength, tracker)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath) //nolint:errcheck

	tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseVerify})
	var integrityErr error
	if haveDeclared && declared != computed {
		integrityErr = &IntegrityError{Ref: ref, Declared: declared, Computed: computed}
	}

	// Publish: place blob + update index atomically under the cache lock,
	// so GC cannot observe an unreferenced blob between the two writes.
	path, err := c.publish(ctx, ref, computed, tmpPath, tracker)
	if err != nil {
		return "", err
	}
	if integrityErr != nil {
		integrityErr.(*IntegrityError).Path = path
		return path, integrityErr
	}
	logger.Infof(ctx, "pull complete: %s -> %s", ref, computed)
	return path, nil
}

// download streams into a temp file under the cache tmp dir, computing
// SHA-256 along the way. The caller owns removing the returned temp path.
func (c *Cache) download(ctx context.Context, ref string, stream io.Reader, total int64, tracker progress.Tracker) (Digest, string, error) {
	tmp, err := os.CreateTemp(c.conf.CacheTmpDir(), "pull-*"+blobExt)
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := func() { _ = os.Remove(tmpPath) }

	tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseDownload, BytesTotal: total})

	h := sha256.New()
	pw := &progressWriter{w: tmp, total: total, tracker: tracker}
	if _, err := io.Copy(pw, io.TeeReader(contextReader(ctx, stream), h)); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		removeTmp()
		return "", "", fmt.Errorf("download %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		removeTmp()
		return "", "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		removeTmp()
		return "", "", fmt.Errorf("close temp file: %w", err)
	}
	return NewDigest(hex.EncodeToString(h.Sum(nil))), tmpPath, nil
}

// publish renames tmpPath into the blob slot for d and records ref in the
// index, both under the cache lock.
func (c *Cache) publish(ctx context.Context, ref string, d Digest, tmpPath string, tracker progress.Tracker) (string, error) {
	tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseCommit})
	blobPath := c.LocationFor(d)
	err := c.store.Update(ctx, func(idx *index) error {
		// Place blob if not already present (content dedup or concurrent pull).
		if !utils.ValidFile(blobPath) {
			if err := os.Rename(tmpPath, blobPath); err != nil {
				return fmt.Errorf("rename blob: %w", err)
			}
			if err := os.Chmod(blobPath, 0o444); err != nil { //nolint:gosec // intentionally world-readable
				return fmt.Errorf("chmod blob: %w", err)
			}
		}
		return recordEntry(idx, ref, d, blobPath)
	})
	if err != nil {
		return "", fmt.Errorf("update index: %w", err)
	}
	tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseDone})
	return blobPath, nil
}

// commit records ref against an already-present blob.
func (c *Cache) commit(ctx context.Context, ref string, d Digest, tracker progress.Tracker) (string, error) {
	blobPath := c.LocationFor(d)
	err := c.store.Update(ctx, func(idx *index) error {
		return recordEntry(idx, ref, d, blobPath)
	})
	if err != nil {
		return "", fmt.Errorf("update index: %w", err)
	}
	tracker.OnEvent(pullProgress.Event{Phase: pullProgress.PhaseDone})
	return blobPath, nil
}

func recordEntry(idx *index, ref string, d Digest, blobPath string) error {
	info, err := os.Stat(blobPath)
	if err != nil {
		return fmt.Errorf("stat blob %s: %w", blobPath, err)
	}
	now := time.Now()
	idx.Images[ref] = &entry{
		Ref:        ref,
		ContentSum: d,
		Size:       info.Size(),
		CreatedAt:  now,
		LastUsed:   now,
	}
	return nil
}

// contextReader makes a reader cancellation-aware per chunk, so a signal
// observed mid-download aborts the copy instead of blocking on the network.
func contextReader(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// progressWriter wraps an io.Writer and periodically emits download progress events.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	tracker    progress.Tracker
	lastReport int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if pw.written-pw.lastReport >= progressInterval {
		pw.lastReport = pw.written
		pw.tracker.OnEvent(pullProgress.Event{
			Phase:      pullProgress.PhaseDownload,
			BytesTotal: pw.total,
			BytesDone:  pw.written,
		})
	}
	return n, err
}
