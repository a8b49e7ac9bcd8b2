// Package ssh runs plan tasks on remote nodes over SSH. Commands execute in
// an SSH session and task payloads are written with SFTP.
package ssh

import (
	"context"
	"time"
)

// Transport is a connection to one node.
type Transport interface {
	// Connect establishes the connection. Connecting a connected transport
	// verifies it and reconnects when it is dead.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd on the node. A command that exits non-zero is
	// not an error; its status is in ExecResult.ExitCode.
	ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error)

	// WriteFile atomically replaces remotePath with data, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) (*FileTransferResult, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// FileTransferResult represents the result of a file transfer.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration

	// Checksum is the SHA256 of the written content
	Checksum string
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
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

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
