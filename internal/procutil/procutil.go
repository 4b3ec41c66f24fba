// Package procutil wraps the small amount of unix process plumbing the
// lock and transport layers need: pid liveness checks and process-group
// termination.
package procutil

import (
	"errors"
	"syscall"
	"time"
)

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Terminate asks the process to exit with SIGTERM.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Kill force-terminates the process with SIGKILL.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// KillGroup force-terminates the whole process group so children spawned
// by a wrapped tool die with it.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// WaitGone polls until the pid disappears or the grace period runs out.
// Returns true when the process is gone.
func WaitGone(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !Alive(pid)
}
