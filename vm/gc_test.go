package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/gc"
)

func TestCatalogGCCollectsStaleTempDirs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	stale, err := s.CreateTemporary(ctx)
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Path, old, old))

	fresh, err := s.CreateTemporary(ctx)
	require.NoError(t, err)

	// Only dirs this catalog created (uuid-named) are ever collected.
	foreign := filepath.Join(s.conf.TmpDir(), "not-a-uuid")
	require.NoError(t, os.MkdirAll(foreign, 0o750))
	require.NoError(t, os.Chtimes(foreign, old, old))

	orch := gc.New()
	s.RegisterGC(orch)
	require.NoError(t, orch.Run(ctx))

	assert.NoDirExists(t, stale.Path)
	assert.DirExists(t, fresh.Path)
	assert.DirExists(t, foreign)
}

func TestCatalogGCAbortsWhenCatalogBusy(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	stale, err := s.CreateTemporary(ctx)
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Path, old, old))

	catalog := s.CatalogLocker()
	ok, err := catalog.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer catalog.Unlock(ctx) //nolint:errcheck

	orch := gc.New()
	s.RegisterGC(orch)
	require.Error(t, orch.Run(ctx))
	assert.DirExists(t, stale.Path)
}
