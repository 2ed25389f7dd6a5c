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

// WriteResult describes a completed remote write.
type WriteResult struct {
	Path       string
	BackupPath string
	Bytes      int64
	Created    bool
	Checksum   string
}

// WriteFile replaces remotePath with data. An existing file is first copied
// to <path>.backup.<unix seconds>, or that name with a .1, .2, ... suffix when
// it is taken; the new content goes to a temporary file that is renamed over
// the destination.
func WriteFile(ctx context.Context, fs *sftp.Client, remotePath string, data []byte, mode os.FileMode, now time.Time) (*WriteResult, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := fs.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	result := &WriteResult{Path: remotePath, Created: true}

	info, err := fs.Stat(remotePath)
	switch {
	case err == nil && info.IsDir():
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("%s is a directory", remotePath)}
	case err == nil:
		result.Created = false
		backup, err := freeBackupName(fs, remotePath, now)
		if err != nil {
			return nil, &TransportError{Op: "backup", Err: err}
		}
		if err := copyRemote(ctx, fs, remotePath, backup); err != nil {
			return nil, &TransportError{Op: "backup", Err: err}
		}
		result.BackupPath = backup
	case !os.IsNotExist(err):
		return nil, &TransportError{Op: "stat", Err: err, IsTemporary: true}
	}

	tmp := fmt.Sprintf("%s.tmp.%d", remotePath, now.UnixNano())
	written, err := writeRemote(ctx, fs, tmp, data)
	if err != nil {
		_ = fs.Remove(tmp)
		return nil, &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if mode != 0 {
		_ = fs.Chmod(tmp, mode)
	}
	if err := fs.PosixRename(tmp, remotePath); err != nil {
		_ = fs.Remove(tmp)
		return nil, &TransportError{Op: "rename", Err: err}
	}

	sum := sha256.Sum256(data)
	result.Bytes = written
	result.Checksum = fmt.Sprintf("%x", sum)
	return result, nil
}

// freeBackupName returns the first <p>.backup.<unix>[.<n>] name that does not exist.
func freeBackupName(fs *sftp.Client, p string, now time.Time) (string, error) {
	base := fmt.Sprintf("%s.backup.%d", p, now.Unix())
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s.%d", base, n)
		}
		_, err := fs.Lstat(name)
		if os.IsNotExist(err) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("no free backup name for %s", p)
}

func writeRemote(ctx context.Context, fs *sftp.Client, remotePath string, data []byte) (int64, error) {
	f, err := fs.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	n, err := copyWithContext(ctx, f, bytes.NewReader(data))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write remote file: %w", err)
	}
	return n, nil
}

func copyRemote(ctx context.Context, fs *sftp.Client, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	_, err = copyWithContext(ctx, out, in)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
