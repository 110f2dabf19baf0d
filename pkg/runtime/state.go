package runtime

// State is the exclusive lifecycle phase of a service. Exactly one value holds
// at any instant and transitions happen only through the lifecycle operations.
type State string

const (
	// StateStopped indicates the service is not running.
	StateStopped State = "STOPPED"
	// StateStarting indicates the service is in the process of starting.
	StateStarting State = "STARTING"
	// StateRunning indicates the service is running normally.
	StateRunning State = "RUNNING"
	// StateStopping indicates the service is in the process of stopping.
	StateStopping State = "STOPPING"
	// StateError indicates the service encountered an error.
	StateError State = "ERROR"
	// StatePaused indicates the service is paused by an operator.
	StatePaused State = "PAUSED"
)

// CanStart reports whether Start is allowed from state.
func CanStart(state State) bool {
	return state == StateStopped || state == StateError
}

// CanStop reports whether Stop is allowed from state.
func CanStop(state State) bool {
	return state == StateRunning || state == StatePaused || state == StateError
}

// CanPause reports whether Pause is allowed from state.
func CanPause(state State) bool {
	return state == StateRunning
}

// CanResume reports whether Resume is allowed from state.
func CanResume(state State) bool {
	return state == StatePaused
}

// IsActive reports whether wrapped operations may execute in state.
func IsActive(state State) bool {
	return state == StateRunning || state == StateStarting
}

// Status is an open, informational operational/health descriptor. Unlike
// State it never gates operations; services may set values outside the
// seeded set below.
type Status string

// Lifecycle statuses.
const (
	StatusIdle         Status = "IDLE"
	StatusInitializing Status = "INITIALIZING"
	StatusStarting     Status = "STARTING"
	StatusRunning      Status = "RUNNING"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
	StatusShuttingDown Status = "SHUTTING_DOWN"
	StatusRestarting   Status = "RESTARTING"
)

// Health statuses.
const (
	StatusHealthy    Status = "HEALTHY"
	StatusDegraded   Status = "DEGRADED"
	StatusWarning    Status = "WARNING"
	StatusError      Status = "ERROR"
	StatusCritical   Status = "CRITICAL"
	StatusRecovering Status = "RECOVERING"
)

// Operational statuses.
const (
	StatusPaused      Status = "PAUSED"
	StatusSuspended   Status = "SUSPENDED"
	StatusMaintenance Status = "MAINTENANCE"
	StatusUnknown     Status = "UNKNOWN"
)
