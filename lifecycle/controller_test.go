package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/network/static"
	"github.com/projecteru2/burrow/vm"
)

// fakeMachine is a scriptable Machine that delivers exactly one Termination.
type fakeMachine struct {
	done     chan hypervisor.Termination
	termOnce sync.Once

	mu       sync.Mutex
	started  bool
	paused   bool
	resumed  bool
	restored bool

	saveErr    error
	restoreErr error
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{done: make(chan hypervisor.Termination, 1)}
}

func (m *fakeMachine) terminate(term hypervisor.Termination) {
	m.termOnce.Do(func() {
		m.done <- term
		close(m.done)
	})
}

func (m *fakeMachine) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *fakeMachine) Stop(context.Context) error {
	m.terminate(hypervisor.Termination{Reason: hypervisor.TermGuestStopped})
	return nil
}

func (m *fakeMachine) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

func (m *fakeMachine) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = true
	return nil
}

func (m *fakeMachine) SaveState(_ context.Context, path string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	return os.WriteFile(path, []byte("guest state"), 0o644)
}

func (m *fakeMachine) RestoreState(_ context.Context, path string) error {
	if m.restoreErr != nil {
		return m.restoreErr
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = true
	return nil
}

func (m *fakeMachine) Done() <-chan hypervisor.Termination { return m.done }

func (m *fakeMachine) Close() error {
	m.terminate(hypervisor.Termination{Reason: hypervisor.TermGuestStopped})
	return nil
}

func (m *fakeMachine) wasStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMachine) wasRestored() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restored
}

// fakeHypervisor hands out fakeMachines and records them.
type fakeHypervisor struct {
	caps hypervisor.Capabilities

	mu         sync.Mutex
	saveErr    error
	restoreErr error // applied to the next machine only
	machines   []*fakeMachine
}

func (h *fakeHypervisor) Capabilities() hypervisor.Capabilities { return h.caps }

func (h *fakeHypervisor) Configure(context.Context, *vm.Config, hypervisor.Layout) (hypervisor.Machine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := newFakeMachine()
	m.saveErr = h.saveErr
	m.restoreErr = h.restoreErr
	h.restoreErr = nil
	h.machines = append(h.machines, m)
	return m, nil
}

func (h *fakeHypervisor) machine(i int) *fakeMachine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machines[i]
}

func newTestCatalog(t *testing.T) (*vm.Storage, *vm.Directory) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.Home = t.TempDir()
	s, err := vm.NewStorage(conf)
	require.NoError(t, err)
	cfg := vm.DefaultVMConfig()
	cfg.DiskSize = 1 << 10
	dir, err := s.Create(context.Background(), "test", cfg, "")
	require.NoError(t, err)
	return s, dir
}

func newTestVM(t *testing.T) *vm.Directory {
	t.Helper()
	_, dir := newTestCatalog(t)
	return dir
}

func newTestController(t *testing.T, dir *vm.Directory, hv hypervisor.Hypervisor) *Controller {
	t.Helper()
	cfg, err := dir.Config()
	require.NoError(t, err)
	return New(dir, cfg, hv, static.New(cfg))
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		5*time.Second, 10*time.Millisecond, "waiting for state %s", want)
}

func TestRunStopGracefully(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{caps: hypervisor.Capabilities{Suspend: true}}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	waitState(t, c, StateRunning)
	assert.True(t, hv.machine(0).wasStarted())
	assert.Equal(t, os.Getpid(), dir.SessionPID())

	c.RequestStop()
	require.NoError(t, <-runErr)
	assert.Equal(t, StateStopped, c.State())

	// Session fully released: no pid file, lock free again.
	assert.Zero(t, dir.SessionPID())
	state, err := dir.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, vm.StateStopped, state)
}

func TestRunRefusesSecondSession(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{}
	c1 := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c1.Run(ctx) }()
	waitState(t, c1, StateRunning)

	c2 := newTestController(t, dir, hv)
	err := c2.Run(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	c1.RequestStop()
	require.NoError(t, <-runErr)

	// The lock is released after the first session ends.
	c3 := newTestController(t, dir, hv)
	go func() { runErr <- c3.Run(ctx) }()
	waitState(t, c3, StateRunning)
	c3.RequestStop()
	require.NoError(t, <-runErr)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dir := newTestVM(t)
	hv := &fakeHypervisor{}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	cancel()
	require.NoError(t, <-runErr)
	assert.Equal(t, StateStopped, c.State())
}

func TestRunWaitsForCatalogLock(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestCatalog(t)
	hv := &fakeHypervisor{}
	c := newTestController(t, dir, hv)

	// Freeze the catalog the way GC does. A session must not come up while
	// the catalog lock is held exclusively.
	catalog := s.CatalogLocker()
	ok, err := catalog.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateCreated, c.State())

	require.NoError(t, catalog.Unlock(ctx))
	waitState(t, c, StateRunning)
	c.RequestStop()
	require.NoError(t, <-runErr)
}

func TestDeleteRefusedWhileSessionRuns(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestCatalog(t)
	hv := &fakeHypervisor{}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	err := s.Delete(ctx, dir.Name)
	assert.ErrorIs(t, err, vm.ErrInUse)
	assert.DirExists(t, dir.Path)

	c.RequestStop()
	require.NoError(t, <-runErr)
	require.NoError(t, s.Delete(ctx, dir.Name))
	assert.NoDirExists(t, dir.Path)
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{caps: hypervisor.Capabilities{Suspend: true}}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	c.RequestSuspend()
	require.NoError(t, <-runErr)
	assert.Equal(t, StateSuspended, c.State())
	assert.True(t, dir.SnapshotExists())

	state, err := dir.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, vm.StateSuspended, state)

	// The next session restores from the snapshot and consumes it.
	c2 := newTestController(t, dir, hv)
	go func() { runErr <- c2.Run(ctx) }()
	waitState(t, c2, StateRunning)
	assert.True(t, hv.machine(1).wasRestored())
	assert.False(t, hv.machine(1).wasStarted())
	assert.False(t, dir.SnapshotExists())

	c2.RequestStop()
	require.NoError(t, <-runErr)
}

func TestFailedRestoreKeepsSnapshotForRetry(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{caps: hypervisor.Capabilities{Suspend: true}}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)
	c.RequestSuspend()
	require.NoError(t, <-runErr)
	require.True(t, dir.SnapshotExists())

	// A restore that dies mid-resume must leave the snapshot in place.
	hv.mu.Lock()
	hv.restoreErr = errors.New("vm.restore: socket closed")
	hv.mu.Unlock()

	c2 := newTestController(t, dir, hv)
	require.Error(t, c2.Run(ctx))
	assert.Equal(t, StateFailed, c2.State())
	assert.True(t, dir.SnapshotExists())

	// The retry resumes from the surviving snapshot and consumes it.
	c3 := newTestController(t, dir, hv)
	go func() { runErr <- c3.Run(ctx) }()
	waitState(t, c3, StateRunning)
	assert.True(t, hv.machine(2).wasRestored())
	assert.False(t, dir.SnapshotExists())

	c3.RequestStop()
	require.NoError(t, <-runErr)
}

func TestSuspendRefusedWithoutCapability(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{caps: hypervisor.Capabilities{Suspend: false}}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	c.RequestSuspend()
	// The refusal keeps the session alive; a later stop still works.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
	assert.False(t, dir.SnapshotExists())

	c.RequestStop()
	require.NoError(t, <-runErr)
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, dir.SnapshotExists())
}

func TestSuspendFailureRecoversGuest(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{
		caps:    hypervisor.Capabilities{Suspend: true},
		saveErr: errors.New("disk full"),
	}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	c.RequestSuspend()
	// Snapshot fails, the guest is resumed, the session keeps running.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
	assert.False(t, dir.SnapshotExists())

	m := hv.machine(0)
	m.mu.Lock()
	paused, resumed := m.paused, m.resumed
	m.mu.Unlock()
	assert.True(t, paused)
	assert.True(t, resumed)

	c.RequestStop()
	require.NoError(t, <-runErr)
}

func TestGuestCrashFailsSession(t *testing.T) {
	ctx := context.Background()
	dir := newTestVM(t)
	hv := &fakeHypervisor{}
	c := newTestController(t, dir, hv)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitState(t, c, StateRunning)

	hv.machine(0).terminate(hypervisor.Termination{
		Reason: hypervisor.TermGuestError,
		Err:    errors.New("hypervisor exited: signal: segmentation fault"),
	})
	err := <-runErr
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())

	// A failed session still releases the lock.
	state, err := dir.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, vm.StateStopped, state)
}
