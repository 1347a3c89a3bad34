package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultTimeout bounds the TCP dial and the SSH handshake when DialerOptions.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// DialerOptions configures a Dialer.
type DialerOptions struct {
	// Timeout bounds both the TCP dial and the SSH handshake.
	Timeout time.Duration

	// StrictHostKeyChecking verifies host keys against KnownHostsPath.
	// When false, host key verification is skipped (insecure, for tests/automation).
	StrictHostKeyChecking bool

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string

	// SSHConfigPath defaults to ~/.ssh/config. Set to "-" to skip config resolution.
	SSHConfigPath string

	Logger logger.Logger
}

// Dialer is the Provider backed by golang.org/x/crypto/ssh.
type Dialer struct {
	opts DialerOptions
	log  logger.Logger

	matchWarningOnce sync.Once
}

// NewDialer creates a Dialer. A zero DialerOptions is valid but disables
// strict host key checking; use DefaultDialerOptions for the safe defaults.
func NewDialer(opts DialerOptions) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.KnownHostsPath == "" {
		opts.KnownHostsPath = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	if opts.SSHConfigPath == "" {
		opts.SSHConfigPath = filepath.Join(homeDir(), ".ssh", "config")
	}
	return &Dialer{
		opts: opts,
		log:  logger.OrDefault(opts.Logger),
	}
}

// DefaultDialerOptions returns options with host key checking enabled.
func DefaultDialerOptions() DialerOptions {
	return DialerOptions{
		Timeout:               DefaultTimeout,
		StrictHostKeyChecking: true,
	}
}

// Connect establishes an SSH connection to target.
// Connection settings the target leaves empty are resolved from ~/.ssh/config.
func (d *Dialer) Connect(ctx context.Context, target Target) (Link, error) {
	settings := d.resolveSettings(target)
	address := settings.address()

	config, err := d.buildClientConfig(settings, target.Credential)
	if err != nil {
		// If buildClientConfig already returned a structured error, pass it through
		var shErr *errors.Error
		if stderrors.As(err, &shErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(&ConnectError{Reason: ReasonAuth, Address: address, Err: err}, errors.ErrConnect,
			fmt.Sprintf("Couldn't set up SSH for '%s'", target.Host),
			"Check your keys are loaded: ssh-add -l")
	}

	conn, err := d.dialTransport(ctx, settings)
	if err != nil {
		return nil, errors.WrapWithCode(&ConnectError{Reason: ReasonNetwork, Address: address, Err: err}, errors.ErrConnect,
			fmt.Sprintf("Can't reach '%s' at %s", target.Host, address),
			suggestionForDialError(err))
	}

	// Close conn if ctx is canceled or the timeout passes during handshake.
	hctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() {
		_ = conn.Close()
	})

	_ = conn.SetDeadline(time.Now().Add(d.opts.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if !stop() && err == nil {
		sshConn.Close()
		err = hctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := hctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, classifyHandshakeError(err, target.Host, address, settings.encryptedKeys)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	link := newSSHLink(client, address)
	d.log.Debug("connected to %s (link %d)", address, link.ID())
	return link, nil
}

// dialTransport opens the byte stream the SSH handshake runs over:
// a TCP connection, or the stdio of a ProxyCommand.
func (d *Dialer) dialTransport(ctx context.Context, settings *sshSettings) (net.Conn, error) {
	if settings.proxyCommand != "" {
		cmd := ExpandProxyCommand(settings.proxyCommand, settings.hostname, settings.port, settings.user)
		d.log.Debug("dialing %s via proxy command %q", settings.address(), cmd)
		return dialProxyCommand(ctx, cmd, settings.address())
	}
	dialer := net.Dialer{Timeout: d.opts.Timeout}
	return dialer.DialContext(ctx, "tcp", settings.address())
}

func classifyHandshakeError(err error, host, address string, encryptedKeys []string) error {
	// Check for host key mismatch error (provides detailed suggestion)
	var hostKeyErr *HostKeyMismatchError
	if stderrors.As(err, &hostKeyErr) {
		return errors.WrapWithCode(&ConnectError{Reason: ReasonHostKey, Address: address, Err: err}, errors.ErrConnect,
			hostKeyErr.Error(),
			hostKeyErr.Suggestion())
	}

	reason := ReasonProtocol
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods"):
		reason = ReasonAuth
	case strings.Contains(errStr, "host key") || strings.Contains(errStr, "knownhosts"):
		reason = ReasonHostKey
	case stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) ||
		isTimeout(err) || strings.Contains(errStr, "i/o timeout"):
		reason = ReasonNetwork
	}

	return errors.WrapWithCode(&ConnectError{Reason: reason, Address: address, Err: err}, errors.ErrConnect,
		fmt.Sprintf("SSH handshake with '%s' didn't go through", host),
		suggestionForHandshakeError(err, encryptedKeys))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	hostname      string
	port          string
	user          string
	identityFile  string
	proxyCommand  string
	encryptedKeys []string // Keys that exist but are encrypted
}

// address returns the host:port string for dialing.
func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSettings applies ~/.ssh/config values to the fields the target left empty.
func (d *Dialer) resolveSettings(target Target) *sshSettings {
	settings := &sshSettings{
		hostname:     target.Host,
		port:         "22",
		user:         currentUser(),
		proxyCommand: target.ProxyCommand,
	}
	if target.Port != 0 {
		settings.port = strconv.Itoa(target.Port)
	}
	if target.Username != "" {
		settings.user = target.Username
	}

	if d.opts.SSHConfigPath == "-" {
		return settings
	}

	entry, matchLine, err := lookupHost(d.opts.SSHConfigPath, target.Host)
	if err != nil {
		// Config doesn't exist or can't be read, that's fine
		return settings
	}

	hostFound := false
	if entry.Hostname != "" {
		settings.hostname = entry.Hostname
		hostFound = true
	}
	if entry.Port != "" && target.Port == 0 {
		settings.port = entry.Port
		hostFound = true
	}
	if entry.User != "" && target.Username == "" {
		settings.user = entry.User
		hostFound = true
	}
	if entry.IdentityFile != "" {
		settings.identityFile = entry.IdentityFile
		hostFound = true
	}
	if entry.ProxyCommand != "" && target.ProxyCommand == "" && !strings.EqualFold(entry.ProxyCommand, "none") {
		settings.proxyCommand = entry.ProxyCommand
		hostFound = true
	}

	// Only warn about Match block if host wasn't found - it might be defined after the Match
	if matchLine > 0 && !hostFound {
		d.matchWarningOnce.Do(func() {
			d.log.Warn("Host '%s' not found in SSH config (config has a Match block at line %d that may hide later entries). "+
				"If this host is defined after line %d, move it earlier in %s.",
				target.Host, matchLine, matchLine, d.opts.SSHConfigPath)
		})
	}

	return settings
}

// buildClientConfig creates an SSH client config with authentication methods.
// An explicit credential is used as given; an empty one falls back to the
// agent, the IdentityFile from ssh config and the default key files.
// It also populates settings.encryptedKeys with any keys that exist but are encrypted.
func (d *Dialer) buildClientConfig(settings *sshSettings, cred Credential) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	// Helper to try loading a key and track encrypted keys
	tryKeyFile := func(keyPath string) {
		keyAuth, err := keyFileAuth(keyPath)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				settings.encryptedKeys = append(settings.encryptedKeys, keyPath)
			}
			// Other errors (file not found, etc.) are silently ignored
			return
		}
		authMethods = append(authMethods, keyAuth)
	}

	if cred.IsZero() {
		if agentAuth := sshAgentAuth(); agentAuth != nil {
			authMethods = append(authMethods, agentAuth)
		}
		if settings.identityFile != "" {
			tryKeyFile(settings.identityFile)
		}
		for _, keyPath := range defaultKeyFiles() {
			if keyPath == settings.identityFile {
				continue // Already tried this one
			}
			tryKeyFile(keyPath)
		}
	} else {
		if cred.Signer != nil {
			authMethods = append(authMethods, ssh.PublicKeys(cred.Signer))
		}
		if cred.KeyFile != "" {
			tryKeyFile(expandPath(cred.KeyFile))
		}
		if cred.UseAgent {
			if agentAuth := sshAgentAuth(); agentAuth != nil {
				authMethods = append(authMethods, agentAuth)
			}
		}
		if cred.Password != "" {
			authMethods = append(authMethods, ssh.Password(cred.Password))
		}
	}

	if len(authMethods) == 0 {
		msg := "No SSH auth methods available"
		suggestion := "Check your keys are loaded: ssh-add -l"

		if len(settings.encryptedKeys) > 0 {
			msg = fmt.Sprintf("Found SSH key(s) but they're encrypted: %s", strings.Join(settings.encryptedKeys, ", "))
			suggestion = encryptedKeySuggestion("Add your key(s) to the agent:\n", settings.encryptedKeys)
		}

		return nil, errors.WrapWithCode(&ConnectError{Reason: ReasonAuth, Address: settings.address(), Err: stderrors.New("no auth methods")},
			errors.ErrConnect, msg, suggestion)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if d.opts.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = createHostKeyCallback(d.opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // User explicitly disabled host key checking
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.Timeout,
	}, nil
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// The agent connection is reused across multiple SSH connections.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
// This should be called when the application is shutting down.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// keyFileAuth returns an auth method using a private key file.
// Returns EncryptedKeyError if the key requires a passphrase.
func keyFileAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if stderrors.As(err, &missing) || strings.Contains(err.Error(), "encrypted") || isEncryptedPEM(key) {
			return nil, &EncryptedKeyError{Path: keyPath}
		}
		return nil, err
	}

	return ssh.PublicKeys(signer), nil
}

func defaultKeyFiles() []string {
	return []string{
		filepath.Join(homeDir(), ".ssh", "id_ed25519"),
		filepath.Join(homeDir(), ".ssh", "id_rsa"),
		filepath.Join(homeDir(), ".ssh", "id_ecdsa"),
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Try: ssh <host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	if strings.Contains(errStr, "proxy command") {
		return "Check the ProxyCommand runs on its own: sh -c '<command>'"
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error, encryptedKeys []string) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		if len(encryptedKeys) > 0 {
			return encryptedKeySuggestion("Your key(s) are encrypted. Add them to the agent:\n", encryptedKeys)
		}
		return "Auth failed. Check your keys are loaded: ssh-add -l"
	}
	if strings.Contains(errStr, "host key") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "Something went wrong during SSH setup. Try: ssh <host>"
}

func encryptedKeySuggestion(header string, keys []string) string {
	var sb strings.Builder
	sb.WriteString(header)
	for _, key := range keys {
		if runtime.GOOS == "darwin" {
			sb.WriteString(fmt.Sprintf("  ssh-add --apple-use-keychain %s\n", key))
		} else {
			sb.WriteString(fmt.Sprintf("  ssh-add %s\n", key))
		}
	}
	sb.WriteString("\nNot sure which key? Check with: ssh -v <host>")
	return sb.String()
}

// EncryptedKeyError is returned when an SSH key requires a passphrase.
type EncryptedKeyError struct {
	Path string
}

func (e *EncryptedKeyError) Error() string {
	return fmt.Sprintf("SSH key at %s is encrypted (passphrase protected)", e.Path)
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n\n"+
			"  To update known_hosts with all key types:\n"+
			"    ssh-keyscan -t rsa,ecdsa,ed25519 %s >> %s\n\n"+
			"  Or remove the old entry:\n"+
			"    ssh-keygen -R %s",
		wantStr, e.ReceivedType, host, e.KnownHosts, host)
}

// isEncryptedPEM checks if PEM data contains encryption markers.
func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// createHostKeyCallback wraps the knownhosts callback to provide better error messages.
func createHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		dir := filepath.Dir(knownHostsPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create .ssh directory: %w", err)
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if stderrors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{
					Hostname:     hostname,
					ReceivedType: key.Type(),
					KnownHosts:   knownHostsPath,
					Want:         keyErr.Want,
				}
			}
		}
		return err
	}, nil
}
