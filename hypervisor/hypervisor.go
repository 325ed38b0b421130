package hypervisor

import (
	"context"
	"errors"

	"github.com/projecteru2/burrow/vm"
)

// ErrUnsupported is returned when the host hypervisor lacks a capability a
// caller requested (e.g. suspend on a host without save/restore support).
var ErrUnsupported = errors.New("unsupported on this host")

// Capabilities is the feature table of a hypervisor backend on this host.
type Capabilities struct {
	// Suspend reports save/restore (snapshot) support.
	Suspend bool
}

// NetDevice is one network attachment to wire into the machine.
type NetDevice struct {
	MAC string
	// Tap is the host tap device name; empty lets the backend choose.
	Tap string
}

// Layout tells a backend where one VM session's files live and which
// network devices to attach.
type Layout struct {
	DiskPath  string
	NVRAMPath string
	// RunDir holds per-session runtime files (api socket, serial log).
	RunDir string
	Nets   []NetDevice
}

// TerminationReason classifies why a machine stopped.
type TerminationReason int

const (
	// TermGuestStopped: the guest shut down on its own or in response to a
	// requested stop.
	TermGuestStopped TerminationReason = iota
	// TermGuestError: the hypervisor process exited with an error.
	TermGuestError
	// TermAttachmentError: a device or network attachment failed mid-session.
	TermAttachmentError
)

// Termination is the asynchronous end-of-machine notification.
type Termination struct {
	Reason TerminationReason
	Err    error
}

// Machine is one configured VM instance. Exactly one lifecycle controller
// drives a Machine; its methods are not safe for concurrent use except
// Done, which may be selected on while other calls are in flight.
type Machine interface {
	// Start boots the configured guest.
	Start(ctx context.Context) error
	// Stop shuts the guest down gracefully, escalating as needed. After a
	// successful Stop a Termination is delivered on Done.
	Stop(ctx context.Context) error
	// Pause freezes guest execution.
	Pause(ctx context.Context) error
	// Resume unfreezes a paused guest.
	Resume(ctx context.Context) error
	// SaveState writes the paused guest's full runtime state under path.
	SaveState(ctx context.Context, path string) error
	// RestoreState boots the guest from state previously saved under path.
	RestoreState(ctx context.Context, path string) error
	// Done delivers exactly one Termination when the machine ends for any
	// reason, then is closed.
	Done() <-chan Termination
	// Close releases host resources. Idempotent; kills the machine if it is
	// somehow still alive.
	Close() error
}

// Hypervisor is the host virtualization collaborator.
type Hypervisor interface {
	Capabilities() Capabilities
	// Configure prepares a Machine for the given VM without starting it.
	Configure(ctx context.Context, cfg *vm.Config, layout Layout) (Machine, error)
}
