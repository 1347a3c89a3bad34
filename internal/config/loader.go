package config

import (
	"os"
	"path/filepath"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = ".sshutil.yaml"
	// GlobalConfigDir is the directory for global config.
	GlobalConfigDir = ".config/sshutil"
	// GlobalConfigFile is the global config file name.
	GlobalConfigFile = "config.yaml"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found",
				"Run 'sshutil config init' to create one, or specify one with --config")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. .sshutil.yaml in current directory
// 3. .sshutil.yaml in parent directories (stops at git root or home)
// 4. ~/.config/sshutil/config.yaml (global defaults)
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}

	localConfig := filepath.Join(cwd, ConfigFileName)
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	home, _ := os.UserHomeDir()
	dir := cwd
	for !isGitRoot(dir) {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if home != "" && parent == home {
			// Don't go above home directory
			break
		}
		dir = parent

		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	if home != "" {
		globalConfig := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", nil
}

// LoadOrDefault loads the config Find locates for explicit, or returns
// defaults when there is none.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, "", err
	}

	if path == "" {
		return DefaultConfig(), "", nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	// Viper decodes duration strings like "30s" for time.Duration fields.
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]Host)
	}

	for name, host := range cfg.Hosts {
		host.Dir = ExpandRemote(host.Dir)
		host.IdentityFile = ExpandTilde(host.IdentityFile)
		cfg.Hosts[name] = host
	}
	cfg.KnownHosts = ExpandTilde(cfg.KnownHosts)
	if cfg.SSHConfig != "-" {
		cfg.SSHConfig = ExpandTilde(cfg.SSHConfig)
	}
	cfg.Server.HostKey = ExpandTilde(cfg.Server.HostKey)
	cfg.Server.AuthorizedKeys = ExpandTilde(cfg.Server.AuthorizedKeys)
	cfg.Server.Dir = Expand(cfg.Server.Dir)

	return cfg, nil
}

// setDefaults registers the scalar defaults so keys missing from the file
// keep them after Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("version", cfg.Version)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout.String())
	v.SetDefault("strict_host_key_checking", cfg.StrictHostKeyChecking)
	v.SetDefault("cache.policy", cfg.Cache.Policy)
	v.SetDefault("cache.idle_timeout", cfg.Cache.IdleTimeout.String())
	v.SetDefault("cache.flush_timeout", cfg.Cache.FlushTimeout.String())
	v.SetDefault("server.address", cfg.Server.Address)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.port_range", cfg.Server.PortRange)
}

// isGitRoot checks if a directory is a git repository root.
func isGitRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir()
}
