package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig  = "CONFIG"
	ErrConnect = "CONNECT" // Transport could not be established (network, auth, handshake)
	ErrBind    = "BIND"    // Server could not bind its listening port
	ErrChannel = "CHANNEL" // Channel could not be opened on a live transport
	ErrClose   = "CLOSE"   // Transport close failed during flush or eviction
	ErrExec    = "EXEC"
	ErrSFTP    = "SFTP"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Rendered as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrConnect code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrConnect,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	// First line: failure symbol + main message
	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	// Include cause if present (why it failed)
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	// Include suggestion if present (how to fix)
	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var shErr *Error
	if errors.As(err, &shErr) {
		return shErr.Code == code
	}
	return false
}

// CommandError reports a command that ran to completion but exited non-zero.
// It is distinct from an *Error, which means the command could not be run at all.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// NewCommandError creates a CommandError for the given command result.
func NewCommandError(command string, exitCode int, stdout, stderr string) *CommandError {
	return &CommandError{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// ExitError carries a process exit code up to main without extra output.
type ExitError struct {
	Code int
}

// NewExitError creates an ExitError with the given code.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// GetExitCode extracts the exit code from an ExitError or CommandError.
func GetExitCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode, true
	}
	return 0, false
}
