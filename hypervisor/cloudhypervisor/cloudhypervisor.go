package cloudhypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/utils"
	"github.com/projecteru2/burrow/vm"
)

const (
	apiSocketName  = "api.sock"
	serialLogName  = "serial.log"
	processLogName = "ch.log"

	// socketWaitTimeout bounds how long Configure waits for the freshly
	// launched process to expose its API socket.
	socketWaitTimeout = 5 * time.Second
	socketPollEvery   = 100 * time.Millisecond
)

// Backend implements hypervisor.Hypervisor on the Cloud Hypervisor VMM.
// Each Configure call launches one cloud-hypervisor process as a child of
// the current session; the process lives and dies with the session.
type Backend struct {
	conf *config.Config
}

// New creates a Cloud Hypervisor backend.
func New(conf *config.Config) *Backend {
	return &Backend{conf: conf}
}

func (b *Backend) Capabilities() hypervisor.Capabilities {
	// vm.snapshot/vm.restore are only implemented on Linux hosts.
	return hypervisor.Capabilities{Suspend: runtime.GOOS == "linux"}
}

// Configure launches the cloud-hypervisor process for one VM session and
// waits for its API socket. The guest is not created or booted yet — that
// happens in Machine.Start or Machine.RestoreState, so a restored session
// never has to undo a premature vm.create.
func (b *Backend) Configure(ctx context.Context, cfg *vm.Config, layout hypervisor.Layout) (hypervisor.Machine, error) {
	if err := utils.EnsureDirs(layout.RunDir); err != nil {
		return nil, fmt.Errorf("ensure run dir: %w", err)
	}

	socketPath := filepath.Join(layout.RunDir, apiSocketName)
	// Stale socket from a previous session of the same VM.
	_ = os.Remove(socketPath)

	logFile, err := os.Create(filepath.Join(layout.RunDir, processLogName)) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("create process log: %w", err)
	}

	cmd := exec.Command(b.conf.CHBinary, "--api-socket", socketPath) //nolint:gosec
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("exec %s: %w", b.conf.CHBinary, err)
	}

	m := &machine{
		cfg:         buildVMConfig(cfg, layout, b.conf.FirmwarePath(), filepath.Join(layout.RunDir, serialLogName)),
		client:      hypervisor.NewAPIClient(socketPath),
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		socketPath:  socketPath,
		logFile:     logFile,
		stopTimeout: time.Duration(b.conf.StopTimeoutSeconds) * time.Second,
		done:        make(chan hypervisor.Termination, 1),
	}
	go m.watch()

	if err := m.waitForSocket(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// waitForSocket polls until the API socket is connectable, the process
// exits, or the timeout/context fires.
func (m *machine) waitForSocket(ctx context.Context) error {
	deadline := time.Now().Add(socketWaitTimeout)
	for {
		if hypervisor.CheckSocket(m.socketPath) == nil {
			return nil
		}
		if m.exited.Load() {
			return fmt.Errorf("cloud-hypervisor exited before socket was ready")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for socket %s", m.socketPath)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for socket: %w", ctx.Err())
		case <-time.After(socketPollEvery):
		}
	}
}
