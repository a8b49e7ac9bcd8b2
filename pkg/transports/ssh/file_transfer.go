package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// WriteFile writes data to remotePath over SFTP. The content goes to a
// temporary sibling first and is renamed into place, so a reader never
// sees a partial payload.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) (*FileTransferResult, error) {
	startTime := time.Now()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	tmpPath := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".tmp")
	remoteFile, err := sftpClient.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = sftpClient.Remove(tmpPath)
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(tmpPath, os.FileMode(mode)); err != nil {
			c.logger.Warn().Err(err).Str("remote", tmpPath).Msg("Failed to set file permissions")
		}
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to replace.
		_ = sftpClient.Remove(remotePath)
		if err := sftpClient.Rename(tmpPath, remotePath); err != nil {
			_ = sftpClient.Remove(tmpPath)
			return nil, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to move file into place: %w", err),
			}
		}
	}

	result := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(startTime),
		Checksum:         fmt.Sprintf("%x", sha256.Sum256(data)),
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// createSFTPClient opens an SFTP session on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
