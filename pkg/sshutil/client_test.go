package sshutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func testDialer(t *testing.T, sshConfig string) *Dialer {
	t.Helper()
	path := "-"
	if sshConfig != "" {
		path = filepath.Join(t.TempDir(), "config")
		require.NoError(t, os.WriteFile(path, []byte(sshConfig), 0600))
	}
	return NewDialer(DialerOptions{
		Timeout:       2 * time.Second,
		SSHConfigPath: path,
		Logger:        logger.NewBufferLogger(),
	})
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"example.com", Target{Host: "example.com"}},
		{"testuser@example.com", Target{Host: "example.com", Username: "testuser"}},
		{"example.com:2222", Target{Host: "example.com", Port: 2222}},
		{"admin@server.example.com:2222", Target{Host: "server.example.com", Port: 2222, Username: "admin"}},
		{"[::1]:2200", Target{Host: "::1", Port: 2200}},
		{"box:notaport", Target{Host: "box:notaport"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTarget(tt.in))
		})
	}
}

func TestTargetKey_AppliesDefaults(t *testing.T) {
	t.Setenv("USER", "alice")

	key := Target{Host: "box"}.Key()
	assert.Equal(t, 22, key.Port)
	assert.Equal(t, "alice", key.Username)
	assert.Equal(t, "none", key.Fingerprint)

	// Explicit values equal to the defaults produce the same key.
	assert.Equal(t, key, Target{Host: "box", Port: 22, Username: "alice"}.Key())
}

func TestTargetKey_DistinguishesCredentials(t *testing.T) {
	a := Target{Host: "box", Username: "u", Credential: PasswordCredential("one")}
	b := Target{Host: "box", Username: "u", Credential: PasswordCredential("two")}
	c := Target{Host: "box", Username: "u", Credential: PasswordCredential("one")}

	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), c.Key())

	proxied := a
	proxied.ProxyCommand = "nc %h %p"
	assert.NotEqual(t, a.Key(), proxied.Key())
}

func TestCredentialFingerprint_NeverContainsSecret(t *testing.T) {
	cred := PasswordCredential("hunter2")
	fp := cred.Fingerprint()
	assert.NotContains(t, fp, "hunter2")
	assert.Contains(t, fp, "password:")
}

func TestCredentialFingerprint_Combined(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cred := Credential{Signer: signer, UseAgent: true, Password: "pw"}
	fp := cred.Fingerprint()
	assert.Contains(t, fp, "key:SHA256:")
	assert.Contains(t, fp, "+agent+")
	assert.Equal(t, fp, Credential{Signer: signer, UseAgent: true, Password: "pw"}.Fingerprint())
	assert.False(t, cred.IsZero())
	assert.True(t, Credential{}.IsZero())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, `exec "ls -d /etc"`, Command("ls -d /etc").String())
	assert.Equal(t, "subsystem sftp", Subsystem("sftp").String())
	assert.Equal(t, "shell", Shell(true).String())
	assert.True(t, Shell(true).Pty)
}

func TestExpandProxyCommand(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"nc %h %p", "nc box 2222"},
		{"ssh -W %h:%p %r@jump", "ssh -W box:2222 admin@jump"},
		{"echo 100%%", "echo 100%"},
		{"echo %x", "echo %x"},
		{"trailing %", "trailing %"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandProxyCommand(tt.in, "box", "2222", "admin"), tt.in)
	}
}

func TestResolveSettings_TargetFieldsOnly(t *testing.T) {
	d := testDialer(t, "")
	settings := d.resolveSettings(Target{Host: "example.com", Port: 2222, Username: "admin"})

	assert.Equal(t, "example.com", settings.hostname)
	assert.Equal(t, "2222", settings.port)
	assert.Equal(t, "admin", settings.user)
	assert.Equal(t, "example.com:2222", settings.address())
}

func TestResolveSettings_FromSSHConfig(t *testing.T) {
	d := testDialer(t, `
Host myserver
    HostName 192.168.1.100
    User admin
    Port 2200
    IdentityFile ~/.ssh/id_myserver
    ProxyCommand ssh -W %h:%p jump
`)

	settings := d.resolveSettings(Target{Host: "myserver"})
	assert.Equal(t, "192.168.1.100", settings.hostname)
	assert.Equal(t, "2200", settings.port)
	assert.Equal(t, "admin", settings.user)
	assert.Contains(t, settings.identityFile, "id_myserver")
	assert.Equal(t, "ssh -W %h:%p jump", settings.proxyCommand)
}

func TestResolveSettings_TargetOverridesSSHConfig(t *testing.T) {
	d := testDialer(t, `
Host myserver
    HostName 192.168.1.100
    User admin
    Port 2200
    ProxyCommand none
`)

	settings := d.resolveSettings(Target{Host: "myserver", Port: 22, Username: "root"})
	assert.Equal(t, "192.168.1.100", settings.hostname)
	assert.Equal(t, "22", settings.port)
	assert.Equal(t, "root", settings.user)
	assert.Empty(t, settings.proxyCommand)
}

func TestResolveSettings_WarnsAboutMatchBlock(t *testing.T) {
	d := testDialer(t, `
Host before
    HostName before.example.com

Match host *.example.com
    User matchuser

Host after
    HostName after.example.com
`)
	buf := d.log.(*logger.BufferLogger)

	settings := d.resolveSettings(Target{Host: "after"})
	assert.Equal(t, "after", settings.hostname)
	assert.True(t, buf.Contains("warn", "Match block at line 5"))

	// Warned only once per dialer.
	d.resolveSettings(Target{Host: "after"})
	assert.Len(t, buf.Snapshot(), 1)
}

func TestBuildClientConfig_ExplicitCredential(t *testing.T) {
	d := testDialer(t, "")
	settings := &sshSettings{hostname: "h", port: "22", user: "u"}

	cfg, err := d.buildClientConfig(settings, PasswordCredential("pw"))
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestBuildClientConfig_MissingKeyFile(t *testing.T) {
	d := testDialer(t, "")
	settings := &sshSettings{hostname: "h", port: "22", user: "u"}

	_, err := d.buildClientConfig(settings, Credential{KeyFile: "/nonexistent/id_ed25519"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))

	var connErr *ConnectError
	require.True(t, stderrors.As(err, &connErr))
	assert.Equal(t, ReasonAuth, connErr.Reason)
}

func TestKeyFileAuth_EncryptedKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("secret"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	_, err = keyFileAuth(path)
	var encErr *EncryptedKeyError
	require.True(t, stderrors.As(err, &encErr))
	assert.Equal(t, path, encErr.Path)
}

func TestConnect_RefusedIsNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	d := testDialer(t, "")
	_, err = d.Connect(context.Background(), Target{
		Host:       "127.0.0.1",
		Port:       addr.Port,
		Username:   "u",
		Credential: PasswordCredential("pw"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))

	var connErr *ConnectError
	require.True(t, stderrors.As(err, &connErr))
	assert.Equal(t, ReasonNetwork, connErr.Reason)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
	}()

	d := NewDialer(DialerOptions{Timeout: 200 * time.Millisecond, SSHConfigPath: "-", Logger: logger.Noop()})
	start := time.Now()
	_, err = d.Connect(context.Background(), Target{
		Host:       "127.0.0.1",
		Port:       ln.Addr().(*net.TCPAddr).Port,
		Username:   "u",
		Credential: PasswordCredential("pw"),
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var connErr *ConnectError
	require.True(t, stderrors.As(err, &connErr))
	assert.Equal(t, ReasonNetwork, connErr.Reason)
}

func TestClassifyHandshakeError(t *testing.T) {
	tests := []struct {
		errMsg string
		want   ConnectReason
	}{
		{"ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]", ReasonAuth},
		{"ssh: handshake failed: knownhosts: key is unknown", ReasonHostKey},
		{"ssh: handshake failed: EOF", ReasonProtocol},
	}

	for _, tt := range tests {
		err := classifyHandshakeError(stderrors.New(tt.errMsg), "box", "box:22", nil)
		var connErr *ConnectError
		require.True(t, stderrors.As(err, &connErr), tt.errMsg)
		assert.Equal(t, tt.want, connErr.Reason, tt.errMsg)
	}
}

func TestExpandPath(t *testing.T) {
	home := homeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/test", home + "/test"},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, expandPath(tt.input))
	}
}

func TestSuggestionForDialError(t *testing.T) {
	tests := []struct {
		errMsg   string
		contains string
	}{
		{"connection refused", "Is SSH running"},
		{"no route to host", "Can't route"},
		{"i/o timeout", "timed out"},
		{"proxy command \"nc\": exec: not found", "ProxyCommand"},
		{"random error", "Make sure the host is reachable"},
	}

	for _, tt := range tests {
		assert.Contains(t, suggestionForDialError(stderrors.New(tt.errMsg)), tt.contains)
	}
}

func TestSuggestionForHandshakeError(t *testing.T) {
	assert.Contains(t, suggestionForHandshakeError(stderrors.New("unable to authenticate"), nil), "Auth failed")
	assert.Contains(t, suggestionForHandshakeError(stderrors.New("unable to authenticate"), []string{"/k"}), "ssh-add")
	assert.Contains(t, suggestionForHandshakeError(stderrors.New("host key verification"), nil), "Host key issue")
	assert.Contains(t, suggestionForHandshakeError(stderrors.New("random"), nil), "Something went wrong")
}

func TestHostKeyMismatchSuggestion(t *testing.T) {
	e := &HostKeyMismatchError{Hostname: "box:22", ReceivedType: "ssh-ed25519", KnownHosts: "/tmp/kh"}
	s := e.Suggestion()
	assert.Contains(t, s, "ssh-keygen -R box")
	assert.Contains(t, s, "Known types: unknown")
}
