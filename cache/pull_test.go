package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/fetch"
	"github.com/projecteru2/burrow/progress"
	"github.com/projecteru2/burrow/utils"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	conf := config.DefaultConfig()
	conf.Home = t.TempDir()
	c, err := New(conf)
	require.NoError(t, err)
	return c
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeFetcher serves fixed bytes and counts Fetch calls. When failAfter is
// non-negative the stream errors out after that many bytes.
type fakeFetcher struct {
	data      []byte
	digest    string
	calls     int
	failAfter int
}

func newFakeFetcher(data []byte) *fakeFetcher {
	return &fakeFetcher{data: data, failAfter: -1}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (io.ReadCloser, *fetch.Metadata, error) {
	f.calls++
	md := &fetch.Metadata{ContentLength: int64(len(f.data)), Digest: f.digest}
	if f.failAfter >= 0 {
		r := io.MultiReader(bytes.NewReader(f.data[:f.failAfter]), errReader{})
		return io.NopCloser(r), md, nil
	}
	return io.NopCloser(bytes.NewReader(f.data)), md, nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestFetchOrDownloadPublishesUnderComputedDigest(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := []byte("disk image bytes")
	f := newFakeFetcher(data)

	path, err := c.FetchOrDownload(ctx, f, "example.com/img:1", progress.Nop)
	require.NoError(t, err)

	assert.Equal(t, c.LocationFor(NewDigest(sha256Hex(data))), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestFetchOrDownloadSecondCallIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	f := newFakeFetcher([]byte("cached once"))

	first, err := c.FetchOrDownload(ctx, f, "ref", progress.Nop)
	require.NoError(t, err)

	second, err := c.FetchOrDownload(ctx, f, "ref", progress.Nop)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.calls, "cache hit must not fetch again")
}

func TestContentAddressingIdempotence(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := []byte("identical content, two names")

	p1, err := c.FetchOrDownload(ctx, newFakeFetcher(data), "ref-a", progress.Nop)
	require.NoError(t, err)
	p2, err := c.FetchOrDownload(ctx, newFakeFetcher(data), "ref-b", progress.Nop)
	require.NoError(t, err)

	assert.Equal(t, p1, p2, "byte-identical content shares one blob")

	imgs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, imgs[0].Digest, imgs[1].Digest)
}

func TestDeclaredDigestShortCircuit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := []byte("already downloaded elsewhere")
	digest := "sha256:" + sha256Hex(data)

	_, err := c.FetchOrDownload(ctx, newFakeFetcher(data), "ref-a", progress.Nop)
	require.NoError(t, err)

	// A remote that declares the digest of an existing blob: the stream is
	// not consumed, only the index gains the new ref.
	f := newFakeFetcher([]byte("wrong bytes that must never be read into the blob"))
	f.digest = digest
	path, err := c.FetchOrDownload(ctx, f, "ref-b", progress.Nop)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTruncatedDownloadNeverPublishes(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	f := newFakeFetcher([]byte("this stream will be cut short"))
	f.failAfter = 5

	_, err := c.FetchOrDownload(ctx, f, "ref", progress.Nop)
	require.Error(t, err)

	assert.Empty(t, utils.ScanFileStems(c.conf.CacheBlobsDir(), blobExt),
		"no blob may appear under a final name")

	imgs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, imgs)
}

func TestDigestMismatchPublishesAndReports(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := []byte("content the remote lied about")
	f := newFakeFetcher(data)
	f.digest = "sha256:" + sha256Hex([]byte("something else entirely"))

	path, err := c.FetchOrDownload(ctx, f, "ref", progress.Nop)
	require.Error(t, err)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, NewDigest(sha256Hex(data)), ie.Computed)
	assert.Equal(t, path, ie.Path)

	// Published under the computed digest regardless.
	got, err := os.ReadFile(c.LocationFor(ie.Computed))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCancelledDownloadAborts(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchOrDownload(ctx, newFakeFetcher([]byte("never arrives")), "ref", progress.Nop)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTouchRefreshesLastUsed(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	_, err := c.FetchOrDownload(ctx, newFakeFetcher([]byte("x")), "ref", progress.Nop)
	require.NoError(t, err)

	before, err := c.List(ctx)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.Touch(ctx, "ref"))
	after, err := c.List(ctx)
	require.NoError(t, err)
	assert.True(t, after[0].LastUsed.After(before[0].LastUsed))
}

func TestPruneEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	blobs := map[string][]byte{
		"old":    bytes.Repeat([]byte("a"), 100),
		"middle": bytes.Repeat([]byte("b"), 100),
		"recent": bytes.Repeat([]byte("c"), 100),
	}
	for _, ref := range []string{"old", "middle", "recent"} {
		_, err := c.FetchOrDownload(ctx, newFakeFetcher(blobs[ref]), ref, progress.Nop)
		require.NoError(t, err)
	}

	// Spread last-used times deterministically.
	base := time.Now()
	require.NoError(t, c.store.Update(ctx, func(idx *index) error {
		idx.Images["old"].LastUsed = base.Add(-2 * time.Hour)
		idx.Images["middle"].LastUsed = base.Add(-time.Hour)
		idx.Images["recent"].LastUsed = base
		return nil
	}))

	require.NoError(t, c.Prune(ctx, 150))

	imgs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	assert.Equal(t, "recent", imgs[0].Ref)

	// Evicted blobs are gone from disk too.
	assert.NoFileExists(t, c.LocationFor(NewDigest(sha256Hex(blobs["old"]))))
	assert.NoFileExists(t, c.LocationFor(NewDigest(sha256Hex(blobs["middle"]))))
	assert.FileExists(t, c.LocationFor(NewDigest(sha256Hex(blobs["recent"]))))
}

func TestDeleteLeavesBlobForGC(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	data := []byte("indexed then deleted")

	path, err := c.FetchOrDownload(ctx, newFakeFetcher(data), "ref", progress.Nop)
	require.NoError(t, err)

	deleted, err := c.Delete(ctx, []string{"ref"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ref"}, deleted)

	// Index entry gone, blob still on disk until gc runs.
	imgs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, imgs)
	assert.FileExists(t, path)
}
