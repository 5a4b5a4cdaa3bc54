//go:build !windows

package session

import (
	"errors"
	"os/exec"
	"syscall"
)

// translateExit maps the child's termination reason to a process exit
// code: a normal exit keeps its code, a signal death becomes 128+signal,
// and anything else (including wait failures) becomes 1.
func translateExit(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return 1
	}
}
