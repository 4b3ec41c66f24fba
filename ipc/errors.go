package ipc

import (
	"fmt"
	"time"
)

// ConnectionError reports a handshake or pipe failure. Connection-fatal:
// the manager handles retry/restart, it never leaks raw to the supervisor.
type ConnectionError struct {
	Worker string
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to worker %q failed: %s: %v", e.Worker, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection to worker %q failed: %s", e.Worker, e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolError is a worker-reported failure for one call. Not fatal to the
// connection; it is surfaced to the decision layer as data.
type ToolError struct {
	Worker  string
	Op      string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("worker %q op %q failed (%d): %s", e.Worker, e.Op, e.Code, e.Message)
}

// TimeoutError reports a call deadline expiry. Deliberately distinct from a
// dead connection: a slow worker is not a dead worker, and only a failed
// liveness probe may trigger a restart.
type TimeoutError struct {
	Worker  string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to worker %q op %q timed out after %s", e.Worker, e.Op, e.Timeout)
}

// LockTimeoutError reports that the worker-class lock was not obtained in
// time. Distinct from a worker failure; callers back off and retry.
type LockTimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired within %s", e.Resource, e.Timeout)
}
