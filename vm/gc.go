package vm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/utils"
)

// catalogSnapshot is the typed GC snapshot for the VM catalog. Published
// entries are never collected, so only the temp namespace is captured.
type catalogSnapshot struct {
	temps []string // dirs in the temp namespace
}

// GCModule returns the catalog's gc.Module: it collects orphaned temporary
// VM directories left behind by interrupted creations. The catalog lock is
// held exclusively for the cycle, freezing publish/rename/delete.
func (s *Storage) GCModule() gc.Module[catalogSnapshot] {
	return gc.Module[catalogSnapshot]{
		Name:   "catalog",
		Locker: s.CatalogLocker(),
		ReadDB: func(_ context.Context) (catalogSnapshot, error) {
			return catalogSnapshot{temps: utils.ScanSubdirs(s.conf.TmpDir())}, nil
		},
		Resolve: func(snap catalogSnapshot, _ map[string]any) []string {
			var orphans []string
			for _, name := range snap.temps {
				// Only collect dirs this package created: uuid-named ones.
				if _, err := uuid.Parse(name); err != nil {
					continue
				}
				if info, err := os.Stat(filepath.Join(s.conf.TmpDir(), name)); err != nil ||
					!utils.IsStaleInfo(info) {
					continue
				}
				orphans = append(orphans, name)
			}
			return orphans
		},
		Collect: func(ctx context.Context, ids []string) error {
			stale := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				stale[id] = struct{}{}
			}
			errs := utils.RemoveMatching(ctx, s.conf.TmpDir(), func(e os.DirEntry) bool {
				_, ok := stale[e.Name()]
				return ok
			})
			if len(errs) > 0 {
				return errs[0]
			}
			return nil
		},
	}
}

// RegisterGC registers the catalog GC module with the given Orchestrator.
func (s *Storage) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, s.GCModule())
}
