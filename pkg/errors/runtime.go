package errors

import "time"

// RuntimeDomain is the domain for service-runtime errors.
const RuntimeDomain = "runtime"

// Runtime error codes. Cancellation carries a dedicated code so callers can
// treat abandoned work apart from failed work through the whole call chain.
const (
	// CodeInvalidState indicates an operation requested while the state
	// machine forbids it, e.g. Stop on an already-stopped service.
	CodeInvalidState = "INVALID_STATE"
	// CodeNotRunning indicates a wrapped operation invoked while the service
	// is not in an active state.
	CodeNotRunning = "NOT_RUNNING"
	// CodeCancelled indicates work abandoned due to cooperative cancellation.
	CodeCancelled = "CANCELLED"
	// CodeLockTimeout indicates a keyed-lock acquisition that expired while
	// waiting in the queue.
	CodeLockTimeout = "LOCK_TIMEOUT"
	// CodeOperation indicates a generic business-operation failure.
	CodeOperation = "OPERATION_FAILED"
	// CodeRecoveryExhausted indicates auto-recovery reached its attempt limit.
	// It is observable through state and notifications, never returned to a
	// wrapped caller.
	CodeRecoveryExhausted = "RECOVERY_EXHAUSTED"
)

// Runtime operations.
const (
	OpStart   = "Start"
	OpStop    = "Stop"
	OpRestart = "Restart"
	OpPause   = "Pause"
	OpResume  = "Resume"
	OpRecover = "Recover"
)

// InvalidState reports an operation rejected by the lifecycle state machine.
func InvalidState(operation, state string) error {
	return &Error{
		Domain:    RuntimeDomain,
		Code:      CodeInvalidState,
		Operation: operation,
		Message:   "operation not allowed in state " + state,
		Fields:    map[string]interface{}{"state": state},
	}
}

// NotRunning reports a wrapped operation invoked outside an active state.
func NotRunning(operation, state string) error {
	return &Error{
		Domain:    RuntimeDomain,
		Code:      CodeNotRunning,
		Operation: operation,
		Message:   "service not running (state " + state + ")",
		Fields:    map[string]interface{}{"state": state},
	}
}

// Cancelled reports work abandoned due to cancellation.
func Cancelled(reason string) error {
	msg := "operation cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{
		Domain:  RuntimeDomain,
		Code:    CodeCancelled,
		Message: msg,
	}
}

// LockTimeout reports a keyed-lock acquisition that timed out.
func LockTimeout(key string, timeout time.Duration) error {
	return &Error{
		Domain:   RuntimeDomain,
		Code:     CodeLockTimeout,
		Original: ErrTimeout,
		Message:  "timed out acquiring lock " + key,
		Fields:   map[string]interface{}{"key": key, "timeout": timeout.String()},
	}
}

// Operation classifies a generic business failure from a wrapped call.
func Operation(operation string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if As(err, &domainErr) && domainErr.Code != "" {
		return err
	}
	return &Error{
		Domain:    RuntimeDomain,
		Code:      CodeOperation,
		Operation: operation,
		Original:  err,
	}
}

// IsCancellation reports whether err is cancellation-classified.
func IsCancellation(err error) bool {
	return CodeOf(err) == CodeCancelled
}

// IsLockTimeout reports whether err is a keyed-lock timeout.
func IsLockTimeout(err error) bool {
	return CodeOf(err) == CodeLockTimeout
}

// IsInvalidState reports whether err was rejected by the state machine.
func IsInvalidState(err error) bool {
	return CodeOf(err) == CodeInvalidState
}

// IsNotRunning reports whether err was rejected because the service was not
// in an active state.
func IsNotRunning(err error) bool {
	return CodeOf(err) == CodeNotRunning
}
