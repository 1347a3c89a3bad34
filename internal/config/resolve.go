package config

import (
	"strings"

	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// Resolved is a host reference turned into something to connect to.
type Resolved struct {
	// Name is the configured host name, or the reference itself when it
	// was not a configured host.
	Name   string
	Target sshutil.Target
	Dir    string
}

// Resolve looks ref up in cfg.Hosts. Anything else is parsed as
// [user@]host[:port] and left for ~/.ssh/config to complete.
// Host names match case-insensitively; viper lowercases map keys on load.
func (c *Config) Resolve(ref string) Resolved {
	h, ok := c.Hosts[ref]
	if !ok {
		h, ok = c.Hosts[strings.ToLower(ref)]
	}
	if !ok {
		return Resolved{Name: ref, Target: sshutil.ParseTarget(ref)}
	}

	t := sshutil.ParseTarget(h.Address)
	if h.Port != 0 {
		t.Port = h.Port
	}
	if h.User != "" {
		t.Username = h.User
	}
	t.ProxyCommand = h.ProxyCommand
	t.Credential = sshutil.Credential{
		Password: h.Password,
		KeyFile:  h.IdentityFile,
		UseAgent: h.Agent,
	}
	return Resolved{Name: ref, Target: t, Dir: h.Dir}
}

// DialerOptions returns the sshutil.Dialer settings from cfg.
func (c *Config) DialerOptions(log logger.Logger) sshutil.DialerOptions {
	return sshutil.DialerOptions{
		Timeout:               c.ConnectTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHosts,
		SSHConfigPath:         c.SSHConfig,
		Logger:                log,
	}
}
