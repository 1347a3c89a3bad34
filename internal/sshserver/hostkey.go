package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"golang.org/x/crypto/ssh"
)

// GenerateHostKey returns a fresh ed25519 host key.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't generate a host key", "")
	}
	return ssh.NewSignerFromKey(priv)
}

// LoadHostKey reads an unencrypted private key in any format ssh accepts.
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't read host key %s", path), "")
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't parse host key %s", path),
			"Host keys must be unencrypted. Create one with: ssh-keygen -t ed25519 -N '' -f "+path)
	}
	return signer, nil
}

// LoadOrCreateHostKey loads path, or generates a key and saves it there
// when the file does not exist yet.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	signer, err := LoadHostKey(path)
	if err == nil {
		return signer, nil
	}
	if !stderrors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't generate a host key", "")
	}
	block, err := ssh.MarshalPrivateKey(priv, "sshutil host key")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't encode the host key", "")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't create %s", filepath.Dir(path)), "")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't save host key to %s", path), "")
	}
	return ssh.NewSignerFromKey(priv)
}
