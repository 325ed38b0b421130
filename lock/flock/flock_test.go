package flock

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/lock"
)

func tempLockFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

func TestTryLockContention(t *testing.T) {
	ctx := context.Background()
	path := tempLockFile(t)

	a := New(path)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A second handle on the same path must lose.
	b := New(path)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestTryLockNotReentrant(t *testing.T) {
	ctx := context.Background()
	l := New(tempLockFile(t))

	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Same handle refuses silent re-entry.
	ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx))
}

func TestSharedHoldersCoexist(t *testing.T) {
	ctx := context.Background()
	path := tempLockFile(t)

	r1 := NewShared(path)
	r2 := NewShared(path)
	for _, l := range []*Lock{r1, r2} {
		ok, err := l.TryLock(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// An exclusive attempt conflicts with the shared holders.
	w := New(path)
	ok, err := w.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r1.Unlock(ctx))
	require.NoError(t, r2.Unlock(ctx))

	ok, err = w.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, w.Unlock(ctx))
}

func TestMissingLockFileIsIOError(t *testing.T) {
	ctx := context.Background()
	l := New(filepath.Join(t.TempDir(), "does-not-exist.lock"))

	_, err := l.TryLock(ctx)
	assert.Error(t, err)

	assert.Error(t, l.Lock(ctx))
}

func TestProbeIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	path := tempLockFile(t)

	// Free lock: probe reports free and leaves it acquirable.
	held, err := Probe(ctx, path)
	require.NoError(t, err)
	assert.False(t, held)

	l := New(path)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Held lock: probe reports held without stealing or releasing it.
	held, err = Probe(ctx, path)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = Probe(ctx, path)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, l.Unlock(ctx))

	held, err = Probe(ctx, path)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockBlocksUntilCancelled(t *testing.T) {
	path := tempLockFile(t)
	holder := New(path)
	ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Unlock(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New(path).Lock(ctx) }()
	cancel()

	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	path := tempLockFile(t)
	l := New(path)

	err := lock.WithLock(ctx, l, func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// Lock must be free again.
	ok, err := New(path).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
