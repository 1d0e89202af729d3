package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// fs returns the shared SFTP session, opening it on first use.
func (c *Client) fs() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	if c.sftp == nil {
		s, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, fmt.Errorf("failed to start SFTP session: %w", err)
		}
		c.sftp = s
	}
	return c.sftp, nil
}

func (c *Client) withFS(ctx context.Context, op string, fn func(*sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	s, err := c.fs()
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if err := fn(s); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// Upload copies the local file to remotePath and sets its mode. The remote
// parent directory must exist. An existing remote file is truncated.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	return c.withFS(ctx, "upload", func(s *sftp.Client) error {
		src, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer src.Close()

		dst, err := s.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		n, err := io.Copy(dst, contextReader{ctx: ctx, r: src})
		if err != nil {
			dst.Close()
			return fmt.Errorf("failed to copy file: %w", err)
		}
		if err := dst.Close(); err != nil {
			return err
		}
		c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", n).Msg("File uploaded")
		return s.Chmod(remotePath, mode)
	})
}

// ReadFile returns the contents of a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	var data []byte
	err := c.withFS(ctx, "read", func(s *sftp.Client) error {
		f, err := s.Open(remotePath)
		if err != nil {
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(contextReader{ctx: ctx, r: f})
		return err
	})
	return data, err
}

// Stat returns remote file information without following a final symlink.
func (c *Client) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	var info os.FileInfo
	err := c.withFS(ctx, "stat", func(s *sftp.Client) error {
		var err error
		info, err = s.Lstat(remotePath)
		return err
	})
	return info, err
}

// Exists reports whether remotePath exists.
func (c *Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.Stat(ctx, remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Rename moves oldPath to newPath. newPath must not exist.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.withFS(ctx, "rename", func(s *sftp.Client) error {
		return s.Rename(oldPath, newPath)
	})
}

// Remove deletes a file or an empty directory.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	return c.withFS(ctx, "remove", func(s *sftp.Client) error {
		return s.Remove(remotePath)
	})
}

// RemoveAll deletes remotePath and everything below it. A missing path is
// not an error.
func (c *Client) RemoveAll(ctx context.Context, remotePath string) error {
	return c.withFS(ctx, "remove-all", func(s *sftp.Client) error {
		if _, err := s.Lstat(remotePath); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return s.RemoveAll(remotePath)
	})
}

// MkdirAll creates remotePath and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, remotePath string) error {
	return c.withFS(ctx, "mkdir", func(s *sftp.Client) error {
		return s.MkdirAll(path.Clean(remotePath))
	})
}

// Chmod sets the permission bits of remotePath.
func (c *Client) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	return c.withFS(ctx, "chmod", func(s *sftp.Client) error {
		return s.Chmod(remotePath, mode)
	})
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
