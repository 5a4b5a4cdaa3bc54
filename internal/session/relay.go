//go:build !windows

package session

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// relayBufSize is the chunk size for all relay reads. Chunk boundaries are
// preserved between the log and the terminal: every master read is written
// as one piece to each sink.
const relayBufSize = 4096

// relay is the central event loop. It multiplexes the PTY master, the real
// stdin, and the optional control FIFO in a single goroutine around
// select(2) with a one-second liveness timeout. It returns nil when the
// master reports EOF (the child closed its side) and an error only on an
// unrecoverable I/O failure; interrupted syscalls are retried, never
// surfaced.
func (s *Session) relay() error {
	buf := make([]byte, relayBufSize)
	controlFd := -1
	if s.control != nil {
		controlFd = int(s.control.Fd())
	}
	readStdin := true

	for {
		// A real terminal rarely reaches EOF, and a user can reattach
		// input after a ^D, so stdin rejoins the interest set every
		// cycle there. Piped stdin stays dropped once it hits EOF:
		// keeping it would report readable forever and spin the loop.
		if !readStdin && s.isTTY {
			readStdin = true
		}

		var readSet unix.FdSet
		readSet.Zero()
		readSet.Set(s.masterFd)
		nfds := s.masterFd
		if readStdin {
			readSet.Set(s.stdinFd)
			if s.stdinFd > nfds {
				nfds = s.stdinFd
			}
		}
		if controlFd >= 0 {
			readSet.Set(controlFd)
			if controlFd > nfds {
				nfds = controlFd
			}
		}

		// The timeout is a periodic liveness wake, not a session
		// timeout; an idle cycle just rebuilds the interest set.
		timeout := unix.Timeval{Sec: 1}
		ready, err := unix.Select(nfds+1, &readSet, nil, nil, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("select: %w", err)
		}
		if ready == 0 {
			continue
		}

		if readStdin && readSet.IsSet(s.stdinFd) {
			n, err := unix.Read(s.stdinFd, buf)
			switch {
			case err == unix.EINTR || err == unix.EAGAIN:
				// retry on the next cycle
			case err != nil:
				return fmt.Errorf("read stdin: %w", err)
			case n == 0:
				// Make the child's read see EOF too, then stop
				// watching stdin. This never ends the session:
				// only master EOF terminates the loop.
				s.forwardStdinEOF()
				readStdin = false
			default:
				if err := writeFull(s.masterFd, buf[:n]); err != nil {
					return fmt.Errorf("write master: %w", err)
				}
			}
		}

		if controlFd >= 0 && readSet.IsSet(controlFd) {
			// Non-blocking handle: zero bytes or EAGAIN means nothing
			// pending, not EOF. The FIFO stays watched for the whole
			// session so writers can come and go.
			n, err := unix.Read(controlFd, buf)
			if err == nil && n > 0 {
				if err := writeFull(s.masterFd, buf[:n]); err != nil {
					return fmt.Errorf("write master: %w", err)
				}
			}
		}

		if readSet.IsSet(s.masterFd) {
			n, err := unix.Read(s.masterFd, buf)
			switch {
			case err == unix.EINTR || err == unix.EAGAIN:
				// retry on the next cycle
			case n == 0 || err == unix.EIO:
				// The sole termination condition: the child closed
				// its side. Linux reports EIO rather than a zero
				// read once no slave descriptor remains open.
				return nil
			case err != nil:
				return fmt.Errorf("read master: %w", err)
			default:
				if err := s.sinkOutput(buf[:n]); err != nil {
					return err
				}
			}
		}
	}
}

// sinkOutput writes one output chunk to the log (flushed immediately
// unless the flush policy says otherwise), then to the real stdout, then
// to the mirror. Log and terminal receive byte-for-byte identical data.
func (s *Session) sinkOutput(chunk []byte) error {
	if s.logWriter != nil {
		if _, err := s.logWriter.Write(chunk); err != nil {
			return fmt.Errorf("write log: %w", err)
		}
		if !s.opts.NoFlush {
			if err := s.logWriter.Flush(); err != nil {
				return fmt.Errorf("flush log: %w", err)
			}
		}
	}
	if err := writeFull(s.stdoutFd, chunk); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	if s.opts.Mirror != nil {
		_, _ = s.opts.Mirror.Write(chunk)
	}
	return nil
}

// forwardStdinEOF synthesizes an end-of-file for the child. When the slave
// is in canonical mode its line discipline turns the VEOF control
// character into a zero-length read on the child's side. In raw mode there
// is nothing meaningful to send.
func (s *Session) forwardStdinEOF() {
	attrs, err := getTermios(s.masterFd)
	if err != nil || attrs.Lflag&unix.ICANON == 0 {
		return
	}
	_, _ = unix.Write(s.masterFd, []byte{attrs.Cc[unix.VEOF]})
}

// writeFull writes all of p to fd, retrying short writes and interrupted
// syscalls.
func writeFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
