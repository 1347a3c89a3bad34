package exec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rileyhilliard/sshutil/internal/errors"
)

// ExitNotFound is the status POSIX shells and env(1) exit with when the
// executable does not exist.
const ExitNotFound = 127

// What the shells commands run under print for a missing executable. The
// server and remote hosts use sh (dash or bash); local hosts use $SHELL.
var notFoundPatterns = []*regexp.Regexp{
	// bash, and sh when it is bash: "sh: line 1: foo: command not found"
	regexp.MustCompile(`(?m)^\S*sh: (?:line \d+: )?(\S+): command not found`),
	// dash: "sh: 1: foo: not found"
	regexp.MustCompile(`(?m)^\S*sh: \d+: (\S+): not found`),
	// zsh: "zsh:1: command not found: foo"
	regexp.MustCompile(`(?m)^\S*zsh:(?:\d+:)? command not found: (\S+)`),
	// a #!/usr/bin/env shebang: "/usr/bin/env: 'node': No such file or directory"
	regexp.MustCompile(`(?m)^\S*env: '?([^'\s:]+)'?: No such file or directory`),
}

// MissingCommand reports whether a command that exited with code and
// printed stderr failed because an executable wasn't found. name is empty
// when the shell's message did not say which one.
func MissingCommand(stderr string, code int) (name string, missing bool) {
	if code != ExitNotFound {
		return "", false
	}
	for _, pattern := range notFoundPatterns {
		if m := pattern.FindStringSubmatch(stderr); m != nil {
			return m[1], true
		}
	}
	return "", true
}

// NotFoundError explains a missing-executable failure of cmd on host where.
// It returns nil when the failure was something else.
func NotFoundError(where, cmd, stderr string, code int) error {
	name, missing := MissingCommand(stderr, code)
	if !missing {
		return nil
	}
	if name == "" {
		if fields := strings.Fields(cmd); len(fields) > 0 {
			name = fields[0]
		} else {
			name = "command"
		}
	}

	return errors.New(errors.ErrExec,
		fmt.Sprintf("'%s' not found on %s", name, where),
		fmt.Sprintf("Commands run in a non-login shell, so PATH may differ from an interactive session.\n"+
			"Check with: sshutil run %s 'command -v %s'", where, name))
}
