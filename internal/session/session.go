//go:build !windows

// Package session spawns a target program inside a pseudo-terminal and
// relays bytes between the real terminal and the child. All child output
// can be teed to a log file, and out-of-band input can be injected through
// a named pipe or directly via InjectInput.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoCommand is returned by Start when Options.Args is empty.
var ErrNoCommand = errors.New("session: no command given")

// Options describes a single session. It is not modified after Start.
type Options struct {
	// Args is the command and its arguments. Args[0] is resolved via PATH.
	Args []string

	// LogPath, when non-empty, receives an exact copy of the child's
	// combined output stream (stdout+stderr merged by the PTY).
	LogPath string

	// TruncateLog discards prior log contents at open time. Without it
	// the log is appended to.
	TruncateLog bool

	// NoFlush disables the flush performed after every log write.
	NoFlush bool

	// ControlPath, when non-empty, names a FIFO (created if absent) whose
	// bytes are forwarded to the child as if typed.
	ControlPath string

	// Mirror, when non-nil, receives a copy of every output chunk after
	// it has been written to the log and the terminal. Write errors from
	// the mirror are ignored.
	Mirror io.Writer
}

// Session is a running child attached to a PTY. Exactly one child is
// spawned per session and never restarted.
type Session struct {
	opts   Options
	cmd    *exec.Cmd
	master *os.File

	masterFd int
	stdinFd  int
	stdoutFd int

	// isTTY is true when stdin is a real terminal. Without it raw-mode
	// and window-size handling are skipped entirely.
	isTTY bool

	logFile   *os.File
	logWriter *bufio.Writer
	control   *os.File

	restoreOnce sync.Once
	savedState  *term.State
}

// Start allocates a PTY, switches the real terminal to raw mode when stdin
// is a terminal, creates the control FIFO if configured, and launches the
// child with the PTY slave as its controlling terminal. Any setup failure
// aborts the whole spawn; no child is left running on error.
//
// The caller must call Run to drive the session and release its resources.
func Start(opts Options) (*Session, error) {
	if len(opts.Args) == 0 {
		return nil, ErrNoCommand
	}

	s := &Session{
		opts:     opts,
		stdinFd:  int(os.Stdin.Fd()),
		stdoutFd: int(os.Stdout.Fd()),
		isTTY:    term.IsTerminal(int(os.Stdin.Fd())),
	}

	// If stdin is not a terminal we skip everything terminal-related:
	// no attribute seeding, no raw mode, no resize forwarding.
	var callerAttrs *unix.Termios
	if s.isTTY {
		if attrs, err := getTermios(s.stdinFd); err == nil {
			callerAttrs = attrs
		}
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}
	s.master = master
	s.masterFd = int(master.Fd())

	// Seed the slave from the caller's terminal so the child sees the
	// same modes and dimensions it would on the real terminal.
	if callerAttrs != nil {
		_ = setTermios(int(slave.Fd()), callerAttrs)
		_ = pty.InheritSize(os.Stdin, master)
	}

	if s.isTTY {
		state, err := term.MakeRaw(s.stdinFd)
		if err != nil {
			slave.Close()
			master.Close()
			return nil, fmt.Errorf("set raw mode: %w", err)
		}
		s.savedState = state
	}

	if opts.ControlPath != "" {
		if err := ensureFIFO(opts.ControlPath); err != nil {
			s.restoreTerminal()
			slave.Close()
			master.Close()
			return nil, err
		}
	}

	cmd := exec.Command(opts.Args[0], opts.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in the child is the slave PTY
	}
	if err := cmd.Start(); err != nil {
		s.restoreTerminal()
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("start %q: %w", opts.Args[0], err)
	}
	s.cmd = cmd

	// The child holds its own copies of the slave via fds 0/1/2.
	slave.Close()

	if s.isTTY {
		s.forwardResize()
	}

	if err := s.openFiles(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.restoreTerminal()
		master.Close()
		return nil, err
	}

	return s, nil
}

// openFiles opens the optional log and control handles. The log is
// append-only and created if absent; truncation happens only here.
func (s *Session) openFiles() error {
	if s.opts.LogPath != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if s.opts.TruncateLog {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(s.opts.LogPath, flags, 0o644)
		if err != nil {
			return fmt.Errorf("open log %s: %w", s.opts.LogPath, err)
		}
		s.logFile = f
		s.logWriter = bufio.NewWriter(f)
	}
	if s.opts.ControlPath != "" {
		f, err := openControl(s.opts.ControlPath)
		if err != nil {
			if s.logFile != nil {
				s.logFile.Close()
			}
			return err
		}
		s.control = f
	}
	return nil
}

// Run relays bytes until the child closes its side of the PTY, then reaps
// the child and returns its translated exit status: the exit code for a
// normal exit, 128+signal for a signal death, 1 for anything else.
//
// The real terminal's saved mode is restored on every return path. This is
// best-effort only: abrupt termination can still leave the terminal raw.
func (s *Session) Run() (int, error) {
	defer s.restoreTerminal()
	defer s.closeFiles()

	if err := s.relay(); err != nil {
		return 1, err
	}

	waitErr := s.cmd.Wait()
	s.master.Close()
	return translateExit(waitErr), nil
}

// InjectInput writes bytes to the PTY master as synthetic input, as if the
// user had typed them. Safe to call from other goroutines while Run is
// relaying: input injection is orthogonal to the relay's reads.
func (s *Session) InjectInput(p []byte) error {
	return writeFull(s.masterFd, p)
}

// Pid returns the child's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// restoreTerminal puts the real terminal back into its saved mode. It is
// paired 1:1 with the raw-mode switch in Start and runs at most once.
func (s *Session) restoreTerminal() {
	s.restoreOnce.Do(func() {
		if s.savedState != nil {
			_ = term.Restore(s.stdinFd, s.savedState)
		}
	})
}

func (s *Session) closeFiles() {
	if s.logWriter != nil {
		_ = s.logWriter.Flush()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
	if s.control != nil {
		s.control.Close()
	}
}
