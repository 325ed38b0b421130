package lifecycle

// State is the session-local lifecycle state of one VM run. It is distinct
// from vm.State: vm.State is derived from on-disk observation by any
// process, while lifecycle.State is the in-memory position of the one
// controller that owns the session.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateSuspending State = "suspending"
	StateSuspended  State = "suspended"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)
