package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rileyhilliard/sshutil/internal/errors"
)

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New(errors.ErrConfig,
			"Config is nil",
			"This is unexpected - try reloading the configuration.")
	}

	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but sshutil only knows up to %d)", cfg.Version, CurrentConfigVersion),
			"Upgrade sshutil to a newer release.")
	}

	if cfg.ConnectTimeout < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("connect_timeout can't be negative (got %s)", cfg.ConnectTimeout),
			"Use a duration like 10s.")
	}

	if err := validateCache(cfg.Cache); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'cache' section in your .sshutil.yaml.")
	}

	for _, name := range HostNames(cfg) {
		if err := validateHost(name, cfg.Hosts[name]); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check your host config in .sshutil.yaml.")
		}
	}

	if err := validateServer(cfg.Server); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'server' section in your .sshutil.yaml.")
	}

	return nil
}

func validateCache(c CacheConfig) error {
	switch c.Policy {
	case "", PolicyShared, PolicyNone:
	default:
		return fmt.Errorf("unknown cache policy '%s' (expected '%s' or '%s')", c.Policy, PolicyShared, PolicyNone)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("cache.idle_timeout can't be negative")
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("cache.flush_timeout can't be negative")
	}
	return nil
}

func validateHost(name string, h Host) error {
	if strings.ContainsAny(name, "@/: ") {
		return fmt.Errorf("host name '%s' can't contain '@', '/', ':' or spaces", name)
	}
	if h.Address == "" {
		return fmt.Errorf("host '%s' has no address", name)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("host '%s' has port %d, outside 1-65535", name, h.Port)
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port %d is outside 0-65535", s.Port)
	}
	if s.PortRange < 0 {
		return fmt.Errorf("server.port_range can't be negative")
	}
	if s.Port > 0 && s.Port+s.PortRange-1 > 65535 {
		return fmt.Errorf("server.port %d with port_range %d runs past 65535", s.Port, s.PortRange)
	}
	return nil
}

// HostNames returns the configured host names, sorted.
func HostNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
