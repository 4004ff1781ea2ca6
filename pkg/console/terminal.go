//go:build linux || darwin || freebsd || netbsd || openbsd

// Package console puts the controlling terminal into a single-key input
// mode and reports key presses without blocking.
package console

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Terminal is a scoped terminal mode. Open switches a TTY to cbreak mode
// (no line buffering, no echo, signals and output processing unchanged);
// Close restores the saved state. Non-TTY inputs are used as they are.
type Terminal struct {
	f     *os.File
	fd    int
	state *term.State
}

// Open prepares f for key polling.
func Open(f *os.File) (*Terminal, error) {
	t := &Terminal{f: f, fd: int(f.Fd())}
	if !term.IsTerminal(t.fd) {
		return t, nil
	}

	state, err := term.GetState(t.fd)
	if err != nil {
		return nil, fmt.Errorf("console: save terminal state: %w", err)
	}
	tio, err := unix.IoctlGetTermios(t.fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("console: read termios: %w", err)
	}
	tio.Lflag &^= unix.ICANON | unix.ECHO
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(t.fd, ioctlSetTermios, tio); err != nil {
		return nil, fmt.Errorf("console: set cbreak mode: %w", err)
	}
	t.state = state
	return t, nil
}

// IsTerminal reports whether Open changed the terminal mode.
func (t *Terminal) IsTerminal() bool {
	return t.state != nil
}

// PollKey returns a pending byte, if any, without waiting.
func (t *Terminal) PollKey() (byte, bool) {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return 0, false
	}
	var buf [1]byte
	if n, err := unix.Read(t.fd, buf[:]); err != nil || n != 1 {
		return 0, false
	}
	return buf[0], true
}

// Close restores the terminal. It is safe to call more than once.
func (t *Terminal) Close() error {
	if t.state == nil {
		return nil
	}
	err := term.Restore(t.fd, t.state)
	t.state = nil
	return err
}
