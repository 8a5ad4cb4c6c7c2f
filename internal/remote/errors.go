package remote

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionError is returned when the SSH connection or handshake fails.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError is returned when a remote command exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("remote command exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.ExitCode, msg)
}

// TimeoutError is returned when no data arrives within the idle window.
type TimeoutError struct {
	Addr string
	Idle time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no data from %s within %s", e.Addr, e.Idle)
}
