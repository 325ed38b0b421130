package vm

// State is the derived lifecycle state of a VM directory. It is never
// stored: it is computed from the exclusive lock and the snapshot file.
type State string

const (
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateStopped   State = "stopped"
)

// DeriveState computes a VM's state from a lock probe result and snapshot
// presence. Pure: the side-effectful probing lives in Directory.State.
//
//	lock held by a live process        → running
//	lock free, snapshot file present   → suspended
//	otherwise                          → stopped
func DeriveState(lockHeld, snapshotExists bool) State {
	switch {
	case lockHeld:
		return StateRunning
	case snapshotExists:
		return StateSuspended
	default:
		return StateStopped
	}
}
