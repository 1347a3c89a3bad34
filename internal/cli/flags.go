package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"golang.org/x/term"
)

// ParseTimeout parses a timeout flag into a duration.
// Returns zero duration if the flag is empty.
func ParseTimeout(name, flag string) (time.Duration, error) {
	if flag == "" {
		return 0, nil
	}

	duration, err := time.ParseDuration(flag)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("'%s' doesn't look like a valid %s", flag, name),
			"Try something like 5s, 2m, or 500ms.")
	}
	if duration < 0 {
		return 0, errors.New(errors.ErrConfig,
			fmt.Sprintf("%s can't be negative (got %s)", name, flag),
			"Try something like 5s, 2m, or 500ms.")
	}
	return duration, nil
}

// promptPassword asks for a password without echoing it. Tests replace it.
var promptPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New(errors.ErrConfig,
			"--ask-password needs an interactive terminal",
			"Put the password in the host's config entry, or use a key.")
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read the password", "")
	}
	return string(password), nil
}
