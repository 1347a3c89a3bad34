package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Cache policies accepted in cache.policy.
const (
	PolicyShared = "shared"
	PolicyNone   = "none"
)

// Config represents the complete .sshutil.yaml configuration file.
type Config struct {
	Version               int             `yaml:"version" mapstructure:"version"`
	ConnectTimeout        time.Duration   `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	StrictHostKeyChecking bool            `yaml:"strict_host_key_checking" mapstructure:"strict_host_key_checking"`
	KnownHosts            string          `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`
	SSHConfig             string          `yaml:"ssh_config,omitempty" mapstructure:"ssh_config"` // "-" skips ~/.ssh/config
	Cache                 CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Hosts                 map[string]Host `yaml:"hosts" mapstructure:"hosts"`
	Server                ServerConfig    `yaml:"server" mapstructure:"server"`
}

// CacheConfig controls how transports are shared between sessions.
type CacheConfig struct {
	// Policy is "shared" (one transport per target) or "none" (one per session).
	Policy string `yaml:"policy" mapstructure:"policy"`

	// IdleTimeout closes shared transports unused for this long. Zero keeps them.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// FlushTimeout bounds how long a flush waits for sessions before
	// closing their transports anyway.
	FlushTimeout time.Duration `yaml:"flush_timeout" mapstructure:"flush_timeout"`
}

// Host is a named remote machine.
type Host struct {
	// Address is a hostname, IP, or ~/.ssh/config alias.
	Address string `yaml:"address" mapstructure:"address"`

	Port int    `yaml:"port,omitempty" mapstructure:"port"`
	User string `yaml:"user,omitempty" mapstructure:"user"`

	// Password is sent with password authentication. Prefer keys or the agent.
	Password string `yaml:"password,omitempty" mapstructure:"password"`

	// IdentityFile is a private key path; ~ is expanded locally.
	IdentityFile string `yaml:"identity_file,omitempty" mapstructure:"identity_file"`

	// Agent offers keys from $SSH_AUTH_SOCK.
	Agent bool `yaml:"agent,omitempty" mapstructure:"agent"`

	ProxyCommand string `yaml:"proxy_command,omitempty" mapstructure:"proxy_command"`

	// Dir is the remote working directory. Empty means the login directory.
	// Supports ${USER} and ${HOME}; ${HOME} is left for the remote shell.
	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`
}

// ServerConfig configures "sshutil serve".
type ServerConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Port      int    `yaml:"port" mapstructure:"port"`
	PortRange int    `yaml:"port_range" mapstructure:"port_range"`

	// HostKey is a private key path. Empty generates a key per run.
	HostKey string `yaml:"host_key,omitempty" mapstructure:"host_key"`

	// Username restricts password logins. Empty defaults to $USER.
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`

	// AuthorizedKeys is an authorized_keys file accepted for any user.
	AuthorizedKeys string `yaml:"authorized_keys,omitempty" mapstructure:"authorized_keys"`

	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`

	// MetricsAddress serves Prometheus metrics, e.g. 127.0.0.1:9100. Empty disables.
	MetricsAddress string `yaml:"metrics_address,omitempty" mapstructure:"metrics_address"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:               CurrentConfigVersion,
		ConnectTimeout:        10 * time.Second,
		StrictHostKeyChecking: true,
		Cache: CacheConfig{
			Policy:       PolicyShared,
			FlushTimeout: 30 * time.Second,
		},
		Hosts: make(map[string]Host),
		Server: ServerConfig{
			Address:   "127.0.0.1",
			Port:      10000,
			PortRange: 100,
		},
	}
}
