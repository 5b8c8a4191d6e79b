// Package ssh implements the engine transport over SSH and SFTP. One
// connection is maintained per host and reused across probes and operations;
// the engine's per-host serialization guarantee means a host connection never
// sees concurrent sessions.
package ssh

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bollardhq/bollard/pkg/inventory"
)

// Config holds transport-wide connection settings. Per-host address, user,
// and credentials come from the inventory.
type Config struct {
	// Port is the default SSH port for addresses without an explicit port.
	Port int

	// ConnectTimeout bounds connection establishment per host.
	ConnectTimeout time.Duration

	// StrictHostKeyChecking verifies host keys against KnownHostsPath.
	// When false, host keys are accepted blindly.
	StrictHostKeyChecking bool

	// KnownHostsPath is the known_hosts file used when strict checking is on.
	// Empty means ~/.ssh/known_hosts.
	KnownHostsPath string

	// Credentials resolves inventory credential references at connect time.
	// Nil means inventory.DefaultSource.
	Credentials inventory.CredentialSource
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 22
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Credentials == nil {
		c.Credentials = inventory.DefaultSource{}
	}
	return c
}

// address normalizes a host address to host:port form.
func (c Config) address(host *inventory.Host) string {
	if _, _, err := net.SplitHostPort(host.Address); err == nil {
		return host.Address
	}
	return net.JoinHostPort(host.Address, fmt.Sprintf("%d", c.Port))
}

// clientConfig builds the per-host SSH client config. Credential material is
// resolved here and not retained.
func (c Config) clientConfig(host *inventory.Host) (*ssh.ClientConfig, error) {
	cred, err := c.Credentials.Resolve(host.Credential)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", host.ID, err)
	}

	var methods []ssh.AuthMethod
	switch {
	case cred.UseAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("host %s: credential requires an SSH agent but SSH_AUTH_SOCK is not set", host.ID)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("host %s: failed to reach SSH agent: %w", host.ID, err)
		}
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))

	case len(cred.PrivateKey) > 0:
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("host %s: failed to parse private key: %w", host.ID, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("host %s: credential resolved to no usable material", host.ID)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via config
	if c.StrictHostKeyChecking {
		path := c.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
			}
			path = home + "/.ssh/known_hosts"
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
