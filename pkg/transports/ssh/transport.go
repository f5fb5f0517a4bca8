// Package ssh converges a remote machine. Client implements host.Host by
// running command lines over SSH sessions and handling file operations over
// SFTP.
package ssh

import (
	"time"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer. It satisfies
// net.Error so callers classify it as a network failure.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp-init")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying might succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Timeout implements net.Error.
func (e *TransportError) Timeout() bool {
	type timeout interface{ Timeout() bool }
	t, ok := e.Err.(timeout)
	return ok && t.Timeout()
}
