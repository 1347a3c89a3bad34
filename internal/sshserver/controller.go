package sshserver

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"os"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"golang.org/x/crypto/ssh"
)

// Credential is what a client offered during authentication. Exactly one
// field is set.
type Credential struct {
	Password  string
	PublicKey ssh.PublicKey
}

// Controller decides whether a login is allowed.
type Controller interface {
	Authenticate(username string, cred Credential) bool
}

// ControllerFunc adapts a function to a Controller.
type ControllerFunc func(username string, cred Credential) bool

func (f ControllerFunc) Authenticate(username string, cred Credential) bool {
	return f(username, cred)
}

// UserPassController allows a single username and password. An empty
// Username accepts any user with the right password.
type UserPassController struct {
	Username string
	Password string
}

func (c UserPassController) Authenticate(username string, cred Credential) bool {
	if cred.PublicKey != nil || c.Password == "" {
		return false
	}
	if c.Username != "" && username != c.Username {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred.Password), []byte(c.Password)) == 1
}

// AuthorizedKeysController allows any of Keys, optionally for one user only.
type AuthorizedKeysController struct {
	Username string
	Keys     []ssh.PublicKey
}

// LoadAuthorizedKeys reads an OpenSSH authorized_keys file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't read authorized keys %s", path), "")
	}

	var keys []ssh.PublicKey
	for len(bytes.TrimSpace(data)) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't parse authorized keys %s", path),
				"Each line should look like: ssh-ed25519 AAAA... comment")
		}
		keys = append(keys, key)
		data = rest
	}
	return keys, nil
}

func (c AuthorizedKeysController) Authenticate(username string, cred Credential) bool {
	if cred.PublicKey == nil {
		return false
	}
	if c.Username != "" && username != c.Username {
		return false
	}
	offered := cred.PublicKey.Marshal()
	for _, k := range c.Keys {
		if bytes.Equal(k.Marshal(), offered) {
			return true
		}
	}
	return false
}

// AnyController allows a login when any of its controllers does.
type AnyController []Controller

func (a AnyController) Authenticate(username string, cred Credential) bool {
	for _, c := range a {
		if c.Authenticate(username, cred) {
			return true
		}
	}
	return false
}
