// Package ssh connects to remote hosts for the remote touchpoint: command
// execution over SSH sessions and file operations over SFTP.
package ssh

import (
	"errors"
	"time"
)

// ErrNotConnected is returned by operations on a closed client.
var ErrNotConnected = errors.New("not connected")

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the failed operation, e.g. "connect", "exec", "upload".
	Op string

	Err error

	// IsTemporary reports whether retrying may succeed.
	IsTemporary bool

	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}
