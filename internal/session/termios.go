//go:build !windows

package session

import "golang.org/x/sys/unix"

// getTermios reads the terminal attributes of fd. On a PTY master this
// reports the slave side's line discipline, which is how the relay decides
// whether the child is reading in canonical mode.
func getTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, ioctlReadTermios)
}

func setTermios(fd int, attrs *unix.Termios) error {
	return unix.IoctlSetTermios(fd, ioctlWriteTermios, attrs)
}
