package apply

import (
	"context"
	"errors"
	"sync"

	"github.com/pkg/sftp"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/transports/ssh"
)

// SessionOpener opens an SFTP session for a target.
type SessionOpener func(ctx context.Context, target *ssh.Target) (*sftp.Client, error)

// RemoteApplier writes payloads to sftp:// destinations. SSH connections are
// kept per user@host:port and reused across applies.
type RemoteApplier struct {
	base *ssh.Config
	opts options
	open SessionOpener

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewRemoteApplier creates a remote applier. base supplies the auth and host
// key settings; the destination URL supplies host, port and optionally user
// and password.
func NewRemoteApplier(base *ssh.Config, opts ...Option) *RemoteApplier {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "remote-applier").Logger()

	a := &RemoteApplier{base: base, opts: o, clients: make(map[string]*ssh.Client)}
	a.open = a.session
	return a
}

// WithSessionOpener replaces how SFTP sessions are opened.
func (a *RemoteApplier) WithSessionOpener(open SessionOpener) *RemoteApplier {
	a.open = open
	return a
}

// Apply writes payload to an sftp:// destination.
func (a *RemoteApplier) Apply(ctx context.Context, destination, payload string) (*engine.ApplyOutcome, error) {
	target, err := ssh.ParseTarget(destination)
	if err != nil {
		return nil, engine.NewApplyError("invalid remote destination", err).WithDetail("destination", destination)
	}

	fs, err := a.open(ctx, target)
	if err != nil {
		return nil, wrapTransport("failed to open SFTP session", destination, err)
	}
	defer fs.Close()

	res, err := ssh.WriteFile(ctx, fs, target.Path, []byte(payload), a.opts.mode, a.opts.now())
	if err != nil {
		return nil, wrapTransport("failed to write remote file", destination, err)
	}

	a.opts.logger.Info().
		Str("host", target.Host).
		Str("path", target.Path).
		Str("backup", res.BackupPath).
		Int64("bytes", res.Bytes).
		Msg("Payload written")

	return &engine.ApplyOutcome{
		Destination: destination,
		BackupPath:  res.BackupPath,
		Bytes:       int(res.Bytes),
		Created:     res.Created,
		Checksum:    res.Checksum,
	}, nil
}

func (a *RemoteApplier) session(ctx context.Context, target *ssh.Target) (*sftp.Client, error) {
	a.mu.Lock()
	client, ok := a.clients[target.Key()]
	if !ok {
		var err error
		client, err = ssh.NewClient(target.Config(a.base), a.opts.logger)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.clients[target.Key()] = client
	}
	a.mu.Unlock()

	return client.SFTP(ctx)
}

// Close closes every cached SSH connection.
func (a *RemoteApplier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for key, client := range a.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(a.clients, key)
	}
	return errors.Join(errs...)
}

func wrapTransport(message, destination string, err error) *engine.EngineError {
	ee := engine.NewApplyError(message, err).WithDetail("destination", destination)
	var terr *ssh.TransportError
	if errors.As(err, &terr) {
		ee = ee.WithDetail("op", terr.Op)
		if terr.IsAuthError {
			ee = ee.WithDetail("auth", true)
		}
	}
	return ee
}

var _ engine.Applier = (*RemoteApplier)(nil)
