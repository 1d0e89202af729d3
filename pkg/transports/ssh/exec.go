package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes cmd in a new session. A non-zero exit status is returned
// as an error together with the populated result.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: err}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	result := &ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &TransportError{
				Op:  "exec",
				Err: fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			}
		}
		return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}
