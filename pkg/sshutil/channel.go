package sshutil

import (
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"golang.org/x/crypto/ssh"
)

var linkIDs atomic.Uint64

// NextLinkID returns a process-wide unique link identity.
// Providers outside this package use it so IDs never collide with Dialer links.
func NextLinkID() uint64 {
	return linkIDs.Add(1)
}

// sshLink is a Link over an *ssh.Client.
type sshLink struct {
	id      uint64
	address string
	client  *ssh.Client

	dead      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// newSSHLink wraps client and starts a watcher that marks the link dead
// once the underlying connection goes away.
func newSSHLink(client *ssh.Client, address string) *sshLink {
	l := &sshLink{
		id:      NextLinkID(),
		address: address,
		client:  client,
		done:    make(chan struct{}),
	}
	go func() {
		_ = client.Wait()
		l.dead.Store(true)
		close(l.done)
	}()
	return l
}

func (l *sshLink) ID() uint64 { return l.id }

func (l *sshLink) Closed() bool { return l.dead.Load() }

// Close closes the SSH client and waits for the watcher to observe it.
func (l *sshLink) Close() error {
	l.closeOnce.Do(func() {
		err := l.client.Close()
		<-l.done
		if err != nil && !isClosedConnErr(err) {
			l.closeErr = err
		}
	})
	return l.closeErr
}

// OpenChannel opens a "session" channel and starts kind on it.
func (l *sshLink) OpenChannel(kind Kind) (Channel, error) {
	sess, err := l.client.NewSession()
	if err != nil {
		return nil, channelError(kind, err)
	}

	ch, err := startSession(sess, kind)
	if err != nil {
		sess.Close()
		return nil, channelError(kind, err)
	}
	return ch, nil
}

func startSession(sess *ssh.Session, kind Kind) (*sshChannel, error) {
	for k, v := range kind.Env {
		// Servers commonly refuse env requests; that is not fatal.
		_ = sess.Setenv(k, v)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, err
	}

	switch kind.Type {
	case KindCommand:
		err = sess.Start(kind.Command)
	case KindSubsystem:
		err = sess.RequestSubsystem(kind.Subsystem)
	case KindShell:
		if kind.Pty {
			modes := ssh.TerminalModes{ssh.ECHO: 0}
			if err := sess.RequestPty("xterm", 40, 80, modes); err != nil {
				return nil, fmt.Errorf("pty request: %w", err)
			}
		}
		err = sess.Shell()
	default:
		err = fmt.Errorf("unknown session kind %d", kind.Type)
	}
	if err != nil {
		return nil, err
	}

	return &sshChannel{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func channelError(kind Kind, err error) error {
	suggestion := "The connection is still up; the server refused this request."
	var openErr *ssh.OpenChannelError
	if !stderrors.As(err, &openErr) {
		suggestion = "Check the server allows " + kind.Type.String() + " requests."
	}
	return errors.WrapWithCode(&ChannelError{Kind: kind, Err: err}, errors.ErrChannel,
		fmt.Sprintf("Couldn't open %s", kind), suggestion)
}

// sshChannel is a Channel over an *ssh.Session.
type sshChannel struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (c *sshChannel) Stdin() io.WriteCloser { return c.stdin }
func (c *sshChannel) Stdout() io.Reader     { return c.stdout }
func (c *sshChannel) Stderr() io.Reader     { return c.stderr }

// Wait returns the remote exit status. A non-zero status is not an error.
func (c *sshChannel) Wait() (int, error) {
	err := c.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if stderrors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

func (c *sshChannel) Close() error {
	err := c.sess.Close()
	if err == io.EOF {
		return nil
	}
	return err
}

func isClosedConnErr(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed)
}
