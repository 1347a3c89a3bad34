package sshutil

import (
	"context"
	"fmt"
	"io"
)

// Provider opens authenticated SSH transports.
// Both the real Dialer and the fake in pkg/sshutil/testing satisfy this interface.
type Provider interface {
	// Connect establishes a new transport to target. Failures are *errors.Error
	// values with code ErrConnect wrapping a *ConnectError.
	Connect(ctx context.Context, target Target) (Link, error)
}

// Link is one open transport connection as seen by the provider.
type Link interface {
	// ID is a provider-assigned identity, unique for the life of the process.
	ID() uint64

	// OpenChannel opens a session channel of the given kind. Failures are
	// *errors.Error values with code ErrChannel; they do not imply the link is dead.
	OpenChannel(kind Kind) (Channel, error)

	// Closed reports whether the underlying connection has gone away.
	Closed() bool

	// Close tears the connection down. Closing a closed link returns nil.
	Close() error
}

// Channel is one open session channel: a running command, a subsystem or a shell.
type Channel interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the remote side finishes and returns its exit status.
	// Exit code is -1 if no status was reported.
	Wait() (exitCode int, err error)

	Close() error
}

// KindType discriminates the Kind variants.
type KindType int

const (
	// KindCommand runs a single command.
	KindCommand KindType = iota
	// KindSubsystem starts a named subsystem such as "sftp".
	KindSubsystem
	// KindShell starts an interactive login shell.
	KindShell
)

// String returns the channel request name for the kind.
func (k KindType) String() string {
	switch k {
	case KindCommand:
		return "exec"
	case KindSubsystem:
		return "subsystem"
	case KindShell:
		return "shell"
	default:
		return "unknown"
	}
}

// Kind describes what a session channel should run.
type Kind struct {
	Type      KindType
	Command   string
	Subsystem string
	Pty       bool
	Env       map[string]string
}

// Command returns a Kind that executes cmd.
func Command(cmd string) Kind {
	return Kind{Type: KindCommand, Command: cmd}
}

// Subsystem returns a Kind that starts the named subsystem.
func Subsystem(name string) Kind {
	return Kind{Type: KindSubsystem, Subsystem: name}
}

// Shell returns a Kind that starts a login shell, optionally with a pseudo-terminal.
func Shell(pty bool) Kind {
	return Kind{Type: KindShell, Pty: pty}
}

// String returns a short description such as `exec "ls"` or `subsystem sftp`.
func (k Kind) String() string {
	switch k.Type {
	case KindCommand:
		return fmt.Sprintf("exec %q", k.Command)
	case KindSubsystem:
		return "subsystem " + k.Subsystem
	default:
		return k.Type.String()
	}
}

// ConnectReason classifies why a transport could not be established.
type ConnectReason string

const (
	ReasonNetwork  ConnectReason = "network"
	ReasonAuth     ConnectReason = "auth"
	ReasonHostKey  ConnectReason = "hostkey"
	ReasonProtocol ConnectReason = "protocol"
)

// ConnectError is the cause carried by ErrConnect errors.
type ConnectError struct {
	Reason  ConnectReason
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s error connecting to %s: %v", e.Reason, e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ChannelError is the cause carried by ErrChannel errors.
type ChannelError struct {
	Kind Kind
	Err  error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
