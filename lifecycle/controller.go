package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/burrow/hypervisor"
	"github.com/projecteru2/burrow/lock"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/utils"
	"github.com/projecteru2/burrow/vm"
)

var (
	// ErrAlreadyRunning means another live process holds the VM's execution
	// lock. Reported distinctly from every other start failure.
	ErrAlreadyRunning = errors.New("VM is already running")

	// ErrSuspendUnsupported means the host hypervisor has no save/restore
	// support. A suspend request on such a host is reported, never silently
	// dropped, and the session keeps running. Wraps hypervisor.ErrUnsupported.
	ErrSuspendUnsupported = fmt.Errorf("suspend is not supported on this host: %w", hypervisor.ErrUnsupported)
)

type request int

const (
	reqStop request = iota
	reqSuspend
)

// requestQueueDepth bounds pending transition requests. Extra requests of
// the same kind are redundant and safe to drop.
const requestQueueDepth = 4

// Controller owns exactly one VM's runtime session. It is the sole state
// mutator: signal handlers and other goroutines communicate with it only
// through the request channel via RequestStop/RequestSuspend.
type Controller struct {
	dir *vm.Directory
	cfg *vm.Config
	hv  hypervisor.Hypervisor
	net network.Network

	requests chan request

	mu sync.RWMutex
	st State
}

// New creates a Controller. cfg must be the VM's configuration loaded
// before construction: reading it under the execution lock would invert
// lock ordering with catalog publish.
func New(dir *vm.Directory, cfg *vm.Config, hv hypervisor.Hypervisor, net network.Network) *Controller {
	return &Controller{
		dir:      dir,
		cfg:      cfg,
		hv:       hv,
		net:      net,
		requests: make(chan request, requestQueueDepth),
		st:       StateCreated,
	}
}

// State returns the controller's current session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st
}

// RequestStop asks the run loop to stop the session gracefully. Safe to
// call from any goroutine, including signal handlers; never blocks.
func (c *Controller) RequestStop() { c.enqueue(reqStop) }

// RequestSuspend asks the run loop to suspend the session to a snapshot.
// Safe to call from any goroutine; never blocks.
func (c *Controller) RequestSuspend() { c.enqueue(reqSuspend) }

func (c *Controller) enqueue(r request) {
	select {
	case c.requests <- r:
	default:
		// Queue full: a pending request already covers this one.
	}
}

func (c *Controller) setState(ctx context.Context, st State) {
	c.mu.Lock()
	c.st = st
	c.mu.Unlock()
	log.WithFunc("lifecycle.Controller").Debugf(ctx, "VM %s → %s", c.dir.Name, st)
}

// Run drives the session from Created to a terminal state. It blocks for
// the whole VM run and returns nil only on a graceful stop.
//
// The exclusive lock is acquired up front with a non-blocking probe and
// released as the very last act, after termination is fully observed, so
// any other process's state probe sees the correct post-session state.
// The acquisition happens under the shared catalog lock: structural
// operations probe execution locks while holding the catalog lock, and
// the ordering keeps those probes atomic against a starting session.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithFunc("lifecycle.Run")

	lk := c.dir.ExclusiveLock()
	var ok bool
	if err := lock.WithLock(ctx, c.dir.CatalogSharedLock(), func() error {
		var err error
		ok, err = lk.TryLock(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("acquire execution lock of VM %s: %w", c.dir.Name, err)
	}
	if !ok {
		return fmt.Errorf("VM %s: %w", c.dir.Name, ErrAlreadyRunning)
	}
	// First deferred, so it runs last.
	defer func() {
		if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Errorf(ctx, err, "release execution lock of VM %s", c.dir.Name)
		}
	}()

	if err := utils.WritePIDFile(c.dir.PIDPath(), os.Getpid()); err != nil {
		return fmt.Errorf("write session pid: %w", err)
	}
	defer func() { _ = os.Remove(c.dir.PIDPath()) }()

	return c.session(ctx)
}

// session runs everything that happens while the lock is held.
func (c *Controller) session(ctx context.Context) error {
	logger := log.WithFunc("lifecycle.session")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The network provider runs for the whole session; its failure is an
	// attachment error that must end the run loop.
	eg, egCtx := errgroup.WithContext(sessionCtx)
	ready := make(chan struct{})
	eg.Go(func() error { return c.net.Run(egCtx, ready) })
	netDone := make(chan error, 1)
	go func() { netDone <- eg.Wait() }()
	defer func() {
		if err := c.net.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf(ctx, "network teardown of VM %s: %v", c.dir.Name, err)
		}
	}()

	select {
	case <-ready:
	case err := <-netDone:
		if ctx.Err() != nil {
			c.setState(ctx, StateStopped)
			return ctx.Err()
		}
		c.setState(ctx, StateFailed)
		return fmt.Errorf("network attachment of VM %s: %w", c.dir.Name, err)
	case <-ctx.Done():
		c.setState(ctx, StateStopped)
		return ctx.Err()
	}

	layout := hypervisor.Layout{
		DiskPath:  c.dir.DiskPath(),
		NVRAMPath: c.dir.NVRAMPath(),
		RunDir:    c.dir.RunDir(),
	}
	for _, att := range c.net.Attachments() {
		layout.Nets = append(layout.Nets, hypervisor.NetDevice{MAC: att.MAC, Tap: att.Device})
	}

	machine, err := c.hv.Configure(ctx, c.cfg, layout)
	if err != nil {
		c.setState(ctx, StateFailed)
		return fmt.Errorf("configure VM %s: %w", c.dir.Name, err)
	}
	defer func() { _ = machine.Close() }()

	if err := c.boot(ctx, machine); err != nil {
		c.setState(ctx, StateFailed)
		return err
	}
	c.setState(ctx, StateRunning)
	logger.Infof(ctx, "VM %s is running", c.dir.Name)

	return c.loop(ctx, machine, netDone)
}

// boot brings the guest up: a cold start, or a restore when a suspend
// snapshot is present. The snapshot is deleted only after a successful
// restore, so a crash mid-resume leaves it intact for a retry.
func (c *Controller) boot(ctx context.Context, machine hypervisor.Machine) error {
	c.setState(ctx, StateStarting)

	if c.dir.SnapshotExists() {
		if err := machine.RestoreState(ctx, c.dir.SnapshotPath()); err != nil {
			return fmt.Errorf("restore VM %s: %w", c.dir.Name, err)
		}
		if err := os.RemoveAll(c.dir.SnapshotPath()); err != nil {
			return fmt.Errorf("remove consumed snapshot of VM %s: %w", c.dir.Name, err)
		}
		return nil
	}

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start VM %s: %w", c.dir.Name, err)
	}
	return nil
}

// loop blocks until the session ends: guest termination, a stop or suspend
// request, network failure, or external cancellation. Every exit path goes
// through exactly one of the terminal helpers.
func (c *Controller) loop(ctx context.Context, machine hypervisor.Machine, netDone <-chan error) error {
	logger := log.WithFunc("lifecycle.loop")

	for {
		select {
		case term := <-machine.Done():
			return c.finish(ctx, term)

		case req := <-c.requests:
			switch req {
			case reqStop:
				return c.stop(ctx, machine)
			case reqSuspend:
				done, err := c.suspend(ctx, machine)
				if done || err != nil {
					return err
				}
				// Suspend was refused or recovered; still Running.
			}

		case err := <-netDone:
			if ctx.Err() != nil {
				// Cancellation tore the provider down before the loop saw
				// ctx.Done; an ordinary shutdown, not an attachment failure.
				return c.stop(context.WithoutCancel(ctx), machine)
			}
			if err == nil {
				// Provider ended without error before cancellation; treat
				// as a lost attachment all the same.
				err = errors.New("network provider exited early")
			}
			logger.Errorf(ctx, err, "network attachment of VM %s failed", c.dir.Name)
			_ = c.stop(ctx, machine)
			c.setState(ctx, StateFailed)
			return fmt.Errorf("network attachment of VM %s: %w", c.dir.Name, err)

		case <-ctx.Done():
			return c.stop(context.WithoutCancel(ctx), machine)
		}
	}
}

// stop drives the graceful stop escalation and waits until termination is
// fully observed.
func (c *Controller) stop(ctx context.Context, machine hypervisor.Machine) error {
	c.setState(ctx, StateStopping)
	if err := machine.Stop(ctx); err != nil {
		c.setState(ctx, StateFailed)
		return fmt.Errorf("stop VM %s: %w", c.dir.Name, err)
	}
	term := <-machine.Done()
	return c.finish(ctx, term)
}

// suspend pauses the guest, writes the snapshot, and ends the session.
// Returns done=false when the session should keep running: the host lacks
// the capability, or the snapshot failed but the guest was resumed.
func (c *Controller) suspend(ctx context.Context, machine hypervisor.Machine) (done bool, err error) {
	logger := log.WithFunc("lifecycle.suspend")

	if !c.hv.Capabilities().Suspend {
		logger.Errorf(ctx, ErrSuspendUnsupported, "suspend request for VM %s refused", c.dir.Name)
		return false, nil
	}

	c.setState(ctx, StateSuspending)
	if err := machine.Pause(ctx); err != nil {
		c.setState(ctx, StateFailed)
		return true, fmt.Errorf("pause VM %s: %w", c.dir.Name, err)
	}

	if err := machine.SaveState(ctx, c.dir.SnapshotPath()); err != nil {
		// Try to bring the guest back rather than losing it paused.
		if rerr := machine.Resume(ctx); rerr != nil {
			c.setState(ctx, StateFailed)
			return true, fmt.Errorf("save state of VM %s: %w (resume also failed: %v)", c.dir.Name, err, rerr)
		}
		logger.Errorf(ctx, err, "snapshot of VM %s failed, session keeps running", c.dir.Name)
		c.setState(ctx, StateRunning)
		return false, nil
	}

	// Guest state is on disk; the process can go away immediately.
	c.setState(ctx, StateStopping)
	_ = machine.Close()
	<-machine.Done()
	c.setState(ctx, StateSuspended)
	logger.Infof(ctx, "VM %s suspended", c.dir.Name)
	return true, nil
}

// finish maps an observed termination to the terminal state.
func (c *Controller) finish(ctx context.Context, term hypervisor.Termination) error {
	switch term.Reason {
	case hypervisor.TermGuestStopped:
		c.setState(ctx, StateStopped)
		return nil
	case hypervisor.TermAttachmentError:
		c.setState(ctx, StateFailed)
		return fmt.Errorf("VM %s attachment failed: %w", c.dir.Name, term.Err)
	default:
		c.setState(ctx, StateFailed)
		return fmt.Errorf("VM %s terminated abnormally: %w", c.dir.Name, term.Err)
	}
}
