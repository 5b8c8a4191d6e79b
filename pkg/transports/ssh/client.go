package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/bollardhq/bollard/pkg/engine"
	"github.com/bollardhq/bollard/pkg/inventory"
)

// hostConn is a live connection to one host.
type hostConn struct {
	client *ssh.Client
}

// Transport implements engine.Transport over SSH. Connections are established
// lazily on first use and cached per host until Close.
type Transport struct {
	config Config
	log    zerolog.Logger

	mu    sync.Mutex
	conns map[string]*hostConn
}

// New creates an SSH transport with the given settings.
func New(config Config, log zerolog.Logger) *Transport {
	return &Transport{
		config: config.withDefaults(),
		log:    log.With().Str("component", "transport.ssh").Logger(),
		conns:  make(map[string]*hostConn),
	}
}

// Close tears down all cached connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for id, conn := range t.conns {
		if err := conn.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("host %s: %w", id, err)
		}
		delete(t.conns, id)
	}
	return firstErr
}

// conn returns the cached connection for a host, dialing if necessary.
func (t *Transport) conn(ctx context.Context, host *inventory.Host) (*hostConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[host.ID]; ok {
		return conn, nil
	}

	clientConfig, err := t.config.clientConfig(host)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build SSH config", err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}

	address := t.config.address(host)
	t.log.Debug().Str("host", host.ID).Str("address", address).Msg("dialing")

	client, err := dial(ctx, address, clientConfig)
	if err != nil {
		return nil, classifyDialError(host.ID, err)
	}

	conn := &hostConn{client: client}
	t.conns[host.ID] = conn

	t.log.Info().Str("host", host.ID).Str("address", address).Msg("connection established")
	return conn, nil
}

// dial establishes an SSH connection honoring context cancellation. The
// crypto/ssh handshake has no context support, so the raw dial is split out
// and the handshake bounded by the config timeout.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		_ = netConn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			_ = netConn.Close()
			return nil, r.err
		}
		return r.client, nil
	}
}

// run executes a command on the host and returns combined output. A non-zero
// exit status is returned as an error alongside whatever output was produced.
func (t *Transport) run(ctx context.Context, conn *hostConn, host *inventory.Host, command string) (string, error) {
	session, err := conn.client.NewSession()
	if err != nil {
		t.evict(host.ID)
		return "", engine.NewTransientError("failed to open session", err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Signal then abandon the session; the remote command may linger but
		// the attempt is over.
		_ = session.Signal(ssh.SIGKILL)
		return out.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return out.String(), classifyRunError(host.ID, err)
		}
		return out.String(), nil
	}
}

// sftpClient opens an SFTP subsystem session on the host connection.
func (t *Transport) sftpClient(conn *hostConn, host *inventory.Host) (*sftp.Client, error) {
	client, err := sftp.NewClient(conn.client)
	if err != nil {
		t.evict(host.ID)
		return nil, engine.NewTransientError("failed to open SFTP session", err).
			WithCode(engine.ErrCodeTransport).WithHost(host.ID)
	}
	return client, nil
}

// evict drops a cached connection after a session-level failure so the next
// use redials.
func (t *Transport) evict(hostID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[hostID]; ok {
		_ = conn.client.Close()
		delete(t.conns, hostID)
	}
}

// classifyDialError maps a connection failure onto the engine error taxonomy.
// Network-level failures are transient; authentication and configuration
// failures are permanent.
func classifyDialError(hostID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("connection cancelled", err).
			WithCode(engine.ErrCodeTimeout).WithHost(hostID)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return engine.NewTransientError("failed to reach host", err).
			WithCode(engine.ErrCodeTransport).WithHost(hostID)
	}

	// crypto/ssh reports handshake and auth failures as plain errors; treat
	// them as permanent since retrying with the same credentials cannot help.
	return engine.NewPermanentError("SSH handshake failed", err).
		WithCode(engine.ErrCodeTransport).WithHost(hostID)
}

// classifyRunError maps a command failure onto the engine error taxonomy.
func classifyRunError(hostID string, err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return engine.NewPermanentError(
			fmt.Sprintf("command exited with status %d", exitErr.ExitStatus()), err).
			WithCode(engine.ErrCodeTransport).WithHost(hostID)
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		// Connection dropped before the exit status arrived.
		return engine.NewTransientError("connection lost during command", err).
			WithCode(engine.ErrCodeTransport).WithHost(hostID)
	}

	return engine.NewTransientError("command transport failure", err).
		WithCode(engine.ErrCodeTransport).WithHost(hostID)
}
