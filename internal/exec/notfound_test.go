package exec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingCommand(t *testing.T) {
	tests := []struct {
		name        string
		stderr      string
		code        int
		wantName    string
		wantMissing bool
	}{
		{"dash", "sh: 1: frobnicate: not found\n", 127, "frobnicate", true},
		{"bash", "bash: line 1: frobnicate: command not found\n", 127, "frobnicate", true},
		{"old bash", "bash: frobnicate: command not found\n", 127, "frobnicate", true},
		{"sh path", "/bin/sh: 1: ./tool.sh: not found\n", 127, "./tool.sh", true},
		{"zsh", "zsh:1: command not found: frobnicate\n", 127, "frobnicate", true},
		{"env shebang", "/usr/bin/env: 'node': No such file or directory\n", 127, "node", true},
		{"after other output", "warming up\nsh: 1: frobnicate: not found\n", 127, "frobnicate", true},
		{"127 unexplained", "something else\n", 127, "", true},
		{"missing file is not a missing command", "grep: /nonexistent/file: No such file or directory\n", 2, "", false},
		{"not executable", "sh: 1: ./tool.sh: Permission denied\n", 126, "", false},
		{"success", "", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, missing := MissingCommand(tt.stderr, tt.code)
			assert.Equal(t, tt.wantMissing, missing)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestMissingCommand_RealShells(t *testing.T) {
	for _, shell := range []string{"/bin/sh", "bash"} {
		path, err := exec.LookPath(shell)
		if err != nil {
			continue
		}
		t.Run(filepath.Base(shell), func(t *testing.T) {
			var stderr bytes.Buffer
			code, err := Run(context.Background(), Command{Line: "frobnicate-xyz --now", Shell: path, Stderr: &stderr})
			require.NoError(t, err)
			assert.Equal(t, ExitNotFound, code)

			name, missing := MissingCommand(stderr.String(), code)
			assert.True(t, missing)
			assert.Equal(t, "frobnicate-xyz", name)
		})
	}
}

func TestMissingCommand_EnvShebang(t *testing.T) {
	if _, err := os.Stat("/usr/bin/env"); err != nil {
		t.Skip("no /usr/bin/env")
	}
	script := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(script, []byte("#!/usr/bin/env frobnicate-xyz\n"), 0755))

	_, stderr, code, err := Capture(context.Background(), script, "")
	require.NoError(t, err)

	_, missing := MissingCommand(string(stderr), code)
	assert.True(t, missing, "stderr: %s", stderr)
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("box", "frobnicate --now", "sh: 1: frobnicate: not found\n", 127)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrExec))
	assert.Contains(t, err.Error(), "'frobnicate' not found on box")
	assert.Contains(t, err.Error(), "sshutil run box 'command -v frobnicate'")

	// The command line names the executable when the shell did not.
	err = NotFoundError("box", "rustup show", "", 127)
	assert.Contains(t, err.Error(), "'rustup' not found on box")

	assert.NoError(t, NotFoundError("box", "make test", "FAIL: TestSomething\n", 2))
}
