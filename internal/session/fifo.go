//go:build !windows

package session

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ensureFIFO creates a named pipe at path if one does not exist yet. An
// already-existing file is not an error; re-invoking a session with the
// same control path reuses it.
func ensureFIFO(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err == nil || err == unix.EEXIST {
		return nil
	}
	return fmt.Errorf("mkfifo %s: %w", path, err)
}

// openControl opens the control FIFO non-blocking for read. A read-side
// non-blocking open succeeds immediately whether or not a writer exists;
// the relay treats empty reads as "nothing pending".
func openControl(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open control %s: %w", path, err)
	}
	return f, nil
}
