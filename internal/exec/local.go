package exec

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
)

// DefaultWaitDelay bounds how long Run waits for output pipes after the
// process exits or is killed. Backgrounded grandchildren can hold them open.
const DefaultWaitDelay = 2 * time.Second

// Command describes one shell command to run locally.
type Command struct {
	// Line is passed to the shell with -c.
	Line string

	// Shell defaults to $SHELL, then /bin/sh.
	Shell string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the current environment as KEY=VALUE pairs.
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultShell returns $SHELL, or /bin/sh when it is unset.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// Run runs c and returns its exit code. A command that ran and exited
// non-zero is not an error. Cancelling ctx kills the process; the exit code
// is then -1 and the error wraps ctx.Err().
func Run(ctx context.Context, c Command) (exitCode int, err error) {
	shell := c.Shell
	if shell == "" {
		shell = DefaultShell()
	}

	command := exec.CommandContext(ctx, shell, "-c", c.Line)
	command.Dir = c.Dir
	if len(c.Env) > 0 {
		command.Env = append(os.Environ(), c.Env...)
	}
	command.Stdout = c.Stdout
	command.Stderr = c.Stderr
	command.WaitDelay = DefaultWaitDelay

	// Non-file stdin is fed through a pipe that Wait does not wait on. A
	// network stream may never reach EOF and the exit status must not
	// depend on it.
	var stdin io.WriteCloser
	switch in := c.Stdin.(type) {
	case nil:
	case *os.File:
		command.Stdin = in
	default:
		pipe, err := command.StdinPipe()
		if err != nil {
			return -1, errors.WrapWithCode(err, errors.ErrExec,
				"Couldn't set up the command's input", "")
		}
		stdin = pipe
	}

	runErr := command.Start()
	if runErr == nil {
		if stdin != nil {
			go feedStdin(stdin, c.Stdin)
		}
		runErr = command.Wait()
	}
	if runErr == nil {
		return 0, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, errors.WrapWithCode(ctxErr, errors.ErrExec,
			"Command was cancelled",
			"")
	}

	// The process exited but stdin was still open; its status stands.
	if stderrors.Is(runErr, exec.ErrWaitDelay) && command.ProcessState != nil {
		return command.ProcessState.ExitCode(), nil
	}

	// Command ran but returned non-zero
	var exitErr *exec.ExitError
	if stderrors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, errors.WrapWithCode(runErr, errors.ErrExec,
		"Couldn't run the command locally",
		"Make sure the command exists and is executable.")
}

// feedStdin copies r into the process until either side ends. Wait closes
// w once the process exits, which stops the copy at its next write; a reader
// that never returns keeps this goroutine until its owner closes it.
func feedStdin(w io.WriteCloser, r io.Reader) {
	_, _ = io.Copy(w, r)
	_ = w.Close()
}

// Capture runs line in dir and returns everything it printed.
func Capture(ctx context.Context, line, dir string) (stdout, stderr []byte, exitCode int, err error) {
	var outBuf, errBuf bytes.Buffer
	exitCode, err = Run(ctx, Command{
		Line:   line,
		Dir:    dir,
		Stdout: &outBuf,
		Stderr: &errBuf,
	})
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, err
}
