package json

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/lock/flock"
)

type inventory struct {
	Items map[string]int `json:"items"`
}

func (i *inventory) Init() {
	if i.Items == nil {
		i.Items = map[string]int{}
	}
}

func newTestStore(t *testing.T) *Store[inventory] {
	t.Helper()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	return New[inventory](filepath.Join(dir, "data.json"), flock.New(lockPath))
}

func TestWithMissingFileYieldsInitializedZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.With(ctx, func(inv *inventory) error {
		require.NotNil(t, inv.Items)
		assert.Empty(t, inv.Items)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Update(ctx, func(inv *inventory) error {
		inv.Items["disk"] = 3
		return nil
	})
	require.NoError(t, err)

	err = s.With(ctx, func(inv *inventory) error {
		assert.Equal(t, 3, inv.Items["disk"])
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateAbortsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Update(ctx, func(inv *inventory) error {
		inv.Items["disk"] = 3
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	err = s.With(ctx, func(inv *inventory) error {
		assert.Empty(t, inv.Items)
		return nil
	})
	require.NoError(t, err)
}

func TestTryLockExcludesUpdate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	dataPath := filepath.Join(dir, "data.json")

	s := New[inventory](dataPath, flock.New(lockPath))
	ok, err := s.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Unlock(ctx) //nolint:errcheck

	// A second handle on the same lock file cannot get in.
	other := New[inventory](dataPath, flock.New(lockPath))
	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder can still use the lock-free accessors.
	require.NoError(t, s.Write(func(inv *inventory) error {
		inv.Items["nvram"] = 1
		return nil
	}))
	require.NoError(t, s.Read(func(inv *inventory) error {
		assert.Equal(t, 1, inv.Items["nvram"])
		return nil
	}))
}
