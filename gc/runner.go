package gc

import (
	"context"

	"github.com/projecteru2/burrow/lock"
)

// Module describes a storage module that participates in garbage collection.
// S is the module's typed snapshot; the Orchestrator passes snapshots of
// other modules as any for cross-module analysis.
type Module[S any] struct {
	Name string

	// Locker coordinates GC with active operations (pull, publish). TryLock
	// returning false means an operation is in progress and the cycle aborts.
	Locker lock.Locker

	// ReadDB reads the module's current index state.
	// Called while the lock is held. Must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the resource IDs to delete, given this module's
	// snapshot and the snapshots of all other modules (keyed by name).
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given resource IDs.
	// Called while the lock is held. Must not re-acquire it.
	Collect func(ctx context.Context, ids []string) error
}

// runner is the internal interface Orchestrator uses to hold heterogeneous
// Module[S] values. Unexported — callers work with Module[S] and Register.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	if m.Resolve == nil {
		return nil
	}
	s, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
