package inventory

import (
	"fmt"
	"os"
	"strings"
)

// CredentialRef is an opaque credential reference of the form "scheme:value",
// e.g. "env:DEPLOY_SSH_KEY", "file:~/.ssh/id_ed25519", or "agent:".
// The orchestration core only ever passes the reference around; resolution to
// secret material happens inside a CredentialSource at connection time.
type CredentialRef string

// CredentialScheme identifies where a credential is resolved from.
type CredentialScheme string

const (
	// SchemeEnv resolves the credential from an environment variable.
	SchemeEnv CredentialScheme = "env"

	// SchemeFile resolves the credential from a file on disk.
	SchemeFile CredentialScheme = "file"

	// SchemeAgent defers authentication to a running SSH agent.
	SchemeAgent CredentialScheme = "agent"
)

// ParsedRef is a decomposed credential reference.
type ParsedRef struct {
	Scheme CredentialScheme
	Value  string
}

// Parse splits the reference into scheme and value and rejects unknown schemes.
func (r CredentialRef) Parse() (ParsedRef, error) {
	scheme, value, found := strings.Cut(string(r), ":")
	if !found {
		return ParsedRef{}, fmt.Errorf("malformed credential reference %q: missing scheme", r)
	}

	switch CredentialScheme(scheme) {
	case SchemeEnv, SchemeFile, SchemeAgent:
		return ParsedRef{Scheme: CredentialScheme(scheme), Value: value}, nil
	default:
		return ParsedRef{}, fmt.Errorf("unknown credential scheme %q", scheme)
	}
}

// Credential is resolved secret material handed to the transport. It is never
// persisted and never logged.
type Credential struct {
	// PrivateKey is PEM-encoded key material, when the scheme provides one.
	PrivateKey []byte

	// UseAgent indicates authentication should go through the SSH agent.
	UseAgent bool
}

// CredentialSource resolves opaque references to secret material.
type CredentialSource interface {
	// Resolve resolves a credential reference. The returned material must not
	// be retained beyond connection setup.
	Resolve(ref CredentialRef) (*Credential, error)
}

// DefaultSource resolves env and file references from the local process
// environment and filesystem, and passes agent references through.
type DefaultSource struct{}

// Resolve implements CredentialSource.
func (DefaultSource) Resolve(ref CredentialRef) (*Credential, error) {
	parsed, err := ref.Parse()
	if err != nil {
		return nil, err
	}

	switch parsed.Scheme {
	case SchemeEnv:
		val, ok := os.LookupEnv(parsed.Value)
		if !ok {
			return nil, fmt.Errorf("credential environment variable %q is not set", parsed.Value)
		}
		return &Credential{PrivateKey: []byte(val)}, nil

	case SchemeFile:
		path := parsed.Value
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to expand credential path: %w", err)
			}
			path = home + path[1:]
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential file: %w", err)
		}
		return &Credential{PrivateKey: key}, nil

	case SchemeAgent:
		return &Credential{UseAgent: true}, nil

	default:
		return nil, fmt.Errorf("unknown credential scheme %q", parsed.Scheme)
	}
}
