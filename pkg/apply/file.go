// Package apply writes validated payloads to their destinations.
//
// Plain paths and file:// URLs are written on the local filesystem;
// sftp://user@host[:port]/path destinations are written over SSH. Either
// way an existing destination is first copied to <path>.backup.<unix> and
// the new content replaces it in one rename. Backups are never overwritten:
// a name already taken gets a .1, .2, ... suffix.
package apply

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// DefaultFileMode is the permission given to written files.
const DefaultFileMode os.FileMode = 0o644

// maxBackupSuffix bounds the search for a free backup name.
const maxBackupSuffix = 1000

// Option configures an applier.
type Option func(*options)

type options struct {
	mode   os.FileMode
	now    func() time.Time
	logger zerolog.Logger
}

func defaultOptions() options {
	return options{mode: DefaultFileMode, now: time.Now, logger: zerolog.Nop()}
}

// WithFileMode sets the permission bits of written files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithClock overrides the clock used for backup names.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// FileApplier writes payloads to the local filesystem.
type FileApplier struct {
	opts options
}

// NewFileApplier creates a local applier.
func NewFileApplier(opts ...Option) *FileApplier {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "file-applier").Logger()
	return &FileApplier{opts: o}
}

// Apply writes payload to destination.
func (a *FileApplier) Apply(ctx context.Context, destination, payload string) (*engine.ApplyOutcome, error) {
	p := strings.TrimPrefix(destination, "file://")
	if p == "" {
		return nil, engine.NewApplyError("destination is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, engine.NewApplyError("apply cancelled", err).WithDetail("destination", destination)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, engine.NewApplyError("failed to create directory", err).WithDetail("destination", destination)
	}

	outcome := &engine.ApplyOutcome{Destination: destination, Created: true}

	info, err := os.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return nil, engine.NewApplyError(fmt.Sprintf("%s is a directory", p), nil).WithDetail("destination", destination)
	case err == nil:
		backup, err := createBackup(p, a.opts.now())
		if err != nil {
			return nil, engine.NewApplyError("failed to create backup", err).WithDetail("destination", destination)
		}
		outcome.Created = false
		outcome.BackupPath = backup
	case !os.IsNotExist(err):
		return nil, engine.NewApplyError("failed to stat destination", err).WithDetail("destination", destination)
	}

	if err := writeAtomic(p, []byte(payload), a.opts.mode); err != nil {
		return nil, engine.NewApplyError("failed to write file", err).WithDetail("destination", destination)
	}

	hash := sha256.Sum256([]byte(payload))
	outcome.Bytes = len(payload)
	outcome.Checksum = fmt.Sprintf("%x", hash)

	a.opts.logger.Info().
		Str("destination", p).
		Str("backup", outcome.BackupPath).
		Int("bytes", outcome.Bytes).
		Msg("Payload written")
	return outcome, nil
}

// writeAtomic writes data next to p and renames it into place.
func writeAtomic(p string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// createBackup copies p to the first free <p>.backup.<unix>[.<n>] name.
func createBackup(p string, now time.Time) (string, error) {
	base := fmt.Sprintf("%s.backup.%d", p, now.Unix())
	for n := 0; n < maxBackupSuffix; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s.%d", base, n)
		}
		err := copyFile(p, name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free backup name for %s", p)
}

// copyFile copies src to dst, which must not exist yet.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

var _ engine.Applier = (*FileApplier)(nil)
