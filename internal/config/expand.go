package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExpandTilde replaces ~ or ~/path with the user's home directory.
// Does not support ~username syntax - just ~ for the current user.
// Use this for LOCAL paths only. Remote paths should keep ~ for the remote shell.
func ExpandTilde(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}

	return path
}

// Expand replaces ${USER} and ${HOME} with local values.
func Expand(s string) string {
	if s == "" {
		return s
	}

	result := s
	if strings.Contains(result, "${USER}") {
		result = strings.ReplaceAll(result, "${USER}", getUser())
	}
	if strings.Contains(result, "${HOME}") {
		result = strings.ReplaceAll(result, "${HOME}", getHome())
	}
	return result
}

// ExpandRemote is Expand for paths on a remote host: ${HOME} becomes ~ so
// the remote shell expands it.
func ExpandRemote(s string) string {
	if s == "" {
		return s
	}

	result := s
	if strings.Contains(result, "${USER}") {
		result = strings.ReplaceAll(result, "${USER}", getUser())
	}
	if strings.Contains(result, "${HOME}") {
		result = strings.ReplaceAll(result, "${HOME}", "~")
	}
	return result
}

func getUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func getHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "~"
}
