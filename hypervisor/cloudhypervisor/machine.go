package cloudhypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/utils"
)

const (
	// acpiPollInterval is how often we check if the guest has powered off
	// after sending an ACPI power-button event.
	acpiPollInterval = 500 * time.Millisecond
	// terminateGracePeriod is the SIGTERM→SIGKILL window.
	terminateGracePeriod = 5 * time.Second
)

// machine is one live cloud-hypervisor process driven over its API socket.
type machine struct {
	cfg         *chVMConfig
	client      *hypervisor.APIClient
	cmd         *exec.Cmd
	pid         int
	socketPath  string
	logFile     *os.File
	stopTimeout time.Duration

	done     chan hypervisor.Termination
	exited   atomic.Bool
	stopping atomic.Bool

	closeOnce sync.Once
}

// watch reaps the child process and delivers the single Termination.
// Runs for the whole machine lifetime; the done channel is buffered so the
// send never blocks even if nobody is selecting yet.
func (m *machine) watch() {
	err := m.cmd.Wait()
	m.exited.Store(true)
	_ = m.logFile.Close()
	_ = os.Remove(m.socketPath)

	term := hypervisor.Termination{Reason: hypervisor.TermGuestStopped}
	if err != nil && !m.stopping.Load() {
		term = hypervisor.Termination{
			Reason: hypervisor.TermGuestError,
			Err:    fmt.Errorf("cloud-hypervisor exited: %w", err),
		}
	}
	m.done <- term
	close(m.done)
}

func (m *machine) Start(ctx context.Context) error {
	if err := createVM(ctx, m.client, m.cfg); err != nil && !isAlreadyCreated(err) {
		return fmt.Errorf("vm.create: %w", err)
	}
	if err := bootVM(ctx, m.client); err != nil && !isAlreadyBooted(err) {
		return fmt.Errorf("vm.boot: %w", err)
	}
	return nil
}

// Stop shuts the guest down: ACPI power-button → poll for process exit →
// vm.shutdown → SIGTERM/SIGKILL. Returns once the process is gone; the
// watcher then delivers TermGuestStopped on Done.
func (m *machine) Stop(ctx context.Context) error {
	m.stopping.Store(true)
	if m.exited.Load() {
		return nil
	}
	logger := log.WithFunc("cloudhypervisor.Stop")

	if err := powerButton(ctx, m.client); err != nil {
		logger.Warnf(ctx, "power-button: %v — escalating", err)
		return m.forceTerminate(ctx)
	}

	if err := utils.WaitFor(ctx, m.stopTimeout, acpiPollInterval, func() (bool, error) {
		return m.exited.Load(), nil
	}); err == nil {
		return nil
	}

	logger.Warnf(ctx, "guest ignored power-button for %s — escalating", m.stopTimeout)
	return m.forceTerminate(ctx)
}

// forceTerminate flushes disk backends via vm.shutdown, then signals the
// process directly.
func (m *machine) forceTerminate(ctx context.Context) error {
	if err := shutdownVM(ctx, m.client); err != nil {
		log.WithFunc("cloudhypervisor.forceTerminate").Warnf(ctx, "vm.shutdown: %v", err)
	}
	if m.exited.Load() {
		return nil
	}
	return utils.TerminateProcess(ctx, m.pid, terminateGracePeriod)
}

func (m *machine) Pause(ctx context.Context) error {
	if err := pauseVM(ctx, m.client); err != nil {
		return fmt.Errorf("vm.pause: %w", err)
	}
	return nil
}

func (m *machine) Resume(ctx context.Context) error {
	if err := resumeVM(ctx, m.client); err != nil {
		return fmt.Errorf("vm.resume: %w", err)
	}
	return nil
}

// SaveState snapshots the paused guest into a staging directory next to
// path, then renames it into place. A crash mid-snapshot leaves only the
// staging directory; path either holds a complete state or nothing.
func (m *machine) SaveState(ctx context.Context, path string) error {
	staging := path + ".tmp"
	_ = os.RemoveAll(staging)
	if err := utils.EnsureDirs(staging); err != nil {
		return fmt.Errorf("create snapshot staging dir: %w", err)
	}
	if err := snapshotVM(ctx, m.client, "file://"+staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("vm.snapshot: %w", err)
	}
	if err := os.Rename(staging, path); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return utils.SyncParentDir(filepath.Dir(path))
}

// RestoreState boots the guest from a saved snapshot. The restored guest
// comes back paused; resume it so the session is immediately live.
func (m *machine) RestoreState(ctx context.Context, path string) error {
	if err := restoreVM(ctx, m.client, "file://"+path); err != nil {
		return fmt.Errorf("vm.restore: %w", err)
	}
	if err := resumeVM(ctx, m.client); err != nil {
		return fmt.Errorf("resume after restore: %w", err)
	}
	return nil
}

func (m *machine) Done() <-chan hypervisor.Termination { return m.done }

// Close releases host resources. If the process is somehow still alive it
// is killed outright — Close is the last resort, not the graceful path.
func (m *machine) Close() error {
	m.closeOnce.Do(func() {
		m.stopping.Store(true)
		if !m.exited.Load() {
			_ = m.cmd.Process.Kill()
		}
	})
	return nil
}
