package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/progress"
)

func TestGCCollectsUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	kept, err := c.FetchOrDownload(ctx, newFakeFetcher([]byte("referenced")), "keep", progress.Nop)
	require.NoError(t, err)
	orphan, err := c.FetchOrDownload(ctx, newFakeFetcher([]byte("orphaned")), "drop", progress.Nop)
	require.NoError(t, err)

	_, err = c.Delete(ctx, []string{"drop"})
	require.NoError(t, err)
	assert.FileExists(t, orphan, "delete leaves the blob for gc")

	o := gc.New()
	c.RegisterGC(o)
	require.NoError(t, o.Run(ctx))

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, kept)
}

func TestGCAbortsWhenCacheBusy(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	// Simulate an in-flight pull holding the cache lock.
	ok, err := c.locker.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer c.locker.Unlock(ctx) //nolint:errcheck

	o := gc.New()
	c.RegisterGC(o)
	assert.Error(t, o.Run(ctx), "gc must fail closed when a module lock is busy")
}
