package sshutil

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultPort is the SSH port used when a Target leaves Port unset.
const DefaultPort = 22

// Credential is what a Target authenticates with. Several methods may be set;
// they are offered to the server in the order signer, key file, agent, password.
type Credential struct {
	Password string
	Signer   ssh.Signer
	KeyFile  string
	UseAgent bool
}

// PasswordCredential returns a Credential that authenticates with a password.
func PasswordCredential(password string) Credential {
	return Credential{Password: password}
}

// SignerCredential returns a Credential that authenticates with a private key.
func SignerCredential(signer ssh.Signer) Credential {
	return Credential{Signer: signer}
}

// IsZero reports whether no authentication method is set.
func (c Credential) IsZero() bool {
	return c.Password == "" && c.Signer == nil && c.KeyFile == "" && !c.UseAgent
}

// Fingerprint returns a stable identity for the credential that never contains
// the secret itself. Equal credentials produce equal fingerprints.
func (c Credential) Fingerprint() string {
	var parts []string
	if c.Signer != nil {
		parts = append(parts, "key:"+ssh.FingerprintSHA256(c.Signer.PublicKey()))
	}
	if c.KeyFile != "" {
		parts = append(parts, "file:"+expandPath(c.KeyFile))
	}
	if c.UseAgent {
		parts = append(parts, "agent")
	}
	if c.Password != "" {
		sum := sha256.Sum256([]byte(c.Password))
		parts = append(parts, fmt.Sprintf("password:%x", sum[:8]))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Target is a logical connection target: where to connect, as whom, and how.
type Target struct {
	Host         string
	Port         int
	Username     string
	Credential   Credential
	ProxyCommand string
}

// ConnectionKey is the pooling identity of a Target. Two targets with equal
// keys may share one transport.
type ConnectionKey struct {
	Host         string
	Port         int
	Username     string
	Fingerprint  string
	ProxyCommand string
}

// String returns a printable form of the key, e.g. "admin@box:22 [key:SHA256:...]".
func (k ConnectionKey) String() string {
	s := fmt.Sprintf("%s@%s [%s]", k.Username, net.JoinHostPort(k.Host, strconv.Itoa(k.Port)), k.Fingerprint)
	if k.ProxyCommand != "" {
		s += " via " + k.ProxyCommand
	}
	return s
}

// Key returns the target's ConnectionKey with defaults applied.
func (t Target) Key() ConnectionKey {
	return ConnectionKey{
		Host:         t.Host,
		Port:         t.port(),
		Username:     t.user(),
		Fingerprint:  t.Credential.Fingerprint(),
		ProxyCommand: t.ProxyCommand,
	}
}

// Address returns the host:port string for dialing.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.port()))
}

// String returns user@host:port.
func (t Target) String() string {
	return t.user() + "@" + t.Address()
}

func (t Target) port() int {
	if t.Port == 0 {
		return DefaultPort
	}
	return t.Port
}

func (t Target) user() string {
	if t.Username == "" {
		return currentUser()
	}
	return t.Username
}

// ParseTarget parses a host string into a Target.
// The host can be:
//   - An SSH config alias (e.g., "myserver")
//   - A hostname (e.g., "192.168.1.100")
//   - A user@hostname (e.g., "user@192.168.1.100")
//   - A hostname:port (e.g., "192.168.1.100:2222")
//
// Port and user are left zero when absent so that ~/.ssh/config can fill them.
func ParseTarget(host string) Target {
	var t Target

	// Parse user@host:port format first (explicit user takes precedence)
	if atIdx := strings.Index(host, "@"); atIdx != -1 {
		t.Username = host[:atIdx]
		host = host[atIdx+1:]
	}

	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		// Check if this looks like a port (all digits after colon)
		potentialPort := host[colonIdx+1:]
		if port, err := strconv.Atoi(potentialPort); err == nil && port > 0 {
			t.Port = port
			host = host[:colonIdx]
		}
	}

	t.Host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return t
}
