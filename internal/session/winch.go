//go:build !windows

package session

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// forwardResize starts the window-resize forwarder: a fire-and-forget
// goroutine that copies the real terminal's size onto the PTY on every
// SIGWINCH and nudges the child's foreground process group so interactive
// programs redraw. It runs for the life of the process with no join or
// cancellation point; every failure in it is cosmetic and swallowed.
//
// The process-group lookup is best-effort and known to miss for some
// interactive programs; a redraw that doesn't happen is the user's cue to
// resize again.
func (s *Session) forwardResize() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		for range ch {
			if err := pty.InheritSize(os.Stdin, s.master); err != nil {
				continue
			}
			pgid, err := unix.IoctlGetInt(s.masterFd, unix.TIOCGPGRP)
			if err != nil || pgid <= 0 {
				continue
			}
			_ = unix.Kill(-pgid, unix.SIGWINCH)
		}
	}()
	// Prime the child with the current size.
	ch <- syscall.SIGWINCH
}
