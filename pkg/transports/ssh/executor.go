package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// ExecuteCommand runs cmd in a new session on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-doneChan:
		case <-time.After(killGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("Command completed")

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
		return result, nil
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	default:
		// The session broke (or was cancelled) before an exit status arrived.
		return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}
}
