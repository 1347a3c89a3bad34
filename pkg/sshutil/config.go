package sshutil

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// SSHHostEntry represents a parsed host entry from SSH config.
type SSHHostEntry struct {
	Alias        string // The Host pattern (alias)
	Hostname     string // The HostName value (actual host to connect to)
	User         string // The User value
	Port         string // The Port value
	IdentityFile string // The IdentityFile value
	ProxyCommand string // The ProxyCommand value
}

// Description returns a user-friendly description of the host.
func (h SSHHostEntry) Description() string {
	parts := []string{}

	if h.Hostname != "" && h.Hostname != h.Alias {
		parts = append(parts, h.Hostname)
	}

	if h.User != "" {
		parts = append(parts, "user: "+h.User)
	}

	if h.Port != "" && h.Port != "22" {
		parts = append(parts, "port: "+h.Port)
	}

	if len(parts) == 0 {
		return h.Alias
	}

	return strings.Join(parts, ", ")
}

// ParseSSHConfig parses ~/.ssh/config and returns all host entries.
// It filters out wildcards and includes hosts, returning only concrete host aliases.
func ParseSSHConfig() ([]SSHHostEntry, error) {
	configPath := filepath.Join(homeDir(), ".ssh", "config")
	return ParseSSHConfigFile(configPath)
}

// ParseSSHConfigFile parses the specified SSH config file.
func ParseSSHConfigFile(configPath string) ([]SSHHostEntry, error) {
	content, _, err := preprocessSSHConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No SSH config is fine
		}
		return nil, err
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	var hosts []SSHHostEntry
	seen := make(map[string]bool)

	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()

			// Skip wildcards and special patterns
			if strings.Contains(alias, "*") || strings.Contains(alias, "?") {
				continue
			}

			// Skip if we've already seen this alias
			if seen[alias] {
				continue
			}
			seen[alias] = true

			entry := SSHHostEntry{
				Alias: alias,
			}

			// Get values from config
			if hostname, _ := cfg.Get(alias, "HostName"); hostname != "" {
				entry.Hostname = hostname
			}

			if user, _ := cfg.Get(alias, "User"); user != "" {
				entry.User = user
			}

			if port, _ := cfg.Get(alias, "Port"); port != "" {
				entry.Port = port
			}

			if identity, _ := cfg.Get(alias, "IdentityFile"); identity != "" {
				entry.IdentityFile = expandPath(identity)
			}

			if proxy, _ := cfg.Get(alias, "ProxyCommand"); proxy != "" {
				entry.ProxyCommand = proxy
			}

			hosts = append(hosts, entry)
		}
	}

	// Sort by alias for consistent ordering
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Alias < hosts[j].Alias
	})

	return hosts, nil
}

// HasIdentityFile returns true if the host has an IdentityFile configured
// or if default keys exist in ~/.ssh/
func (h SSHHostEntry) HasIdentityFile() bool {
	if h.IdentityFile != "" {
		// Check if the configured file exists
		if _, err := os.Stat(h.IdentityFile); err == nil {
			return true
		}
	}

	for _, key := range defaultKeyFiles() {
		if _, err := os.Stat(key); err == nil {
			return true
		}
	}

	return false
}

// FilterHostsWithKeys returns only hosts that have identity files configured
// or where default SSH keys exist.
func FilterHostsWithKeys(hosts []SSHHostEntry) []SSHHostEntry {
	var filtered []SSHHostEntry
	for _, h := range hosts {
		if h.HasIdentityFile() {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// lookupHost resolves a single alias against the config at configPath.
// Unlike ParseSSHConfigFile it also applies wildcard Host blocks.
// The returned int is the line of the first Match directive (0 if none).
func lookupHost(configPath, alias string) (SSHHostEntry, int, error) {
	content, matchLine, err := preprocessSSHConfig(configPath)
	if err != nil {
		return SSHHostEntry{}, 0, err
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return SSHHostEntry{}, matchLine, err
	}

	entry := SSHHostEntry{Alias: alias}
	entry.Hostname, _ = cfg.Get(alias, "HostName")
	entry.User, _ = cfg.Get(alias, "User")
	entry.Port, _ = cfg.Get(alias, "Port")
	entry.ProxyCommand, _ = cfg.Get(alias, "ProxyCommand")
	if identity, _ := cfg.Get(alias, "IdentityFile"); identity != "" {
		entry.IdentityFile = expandPath(identity)
	}
	return entry, matchLine, nil
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// kevinburke/ssh_config doesn't support Match, so everything after it is dropped.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1 // 1-indexed line number
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}
