package host

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"

	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// Session is one channel on a Transport. It holds one reference on the
// Transport from creation until Close.
type Session struct {
	transport *Transport
	kind      sshutil.Kind
	channel   sshutil.Channel
	log       logger.Logger

	closeOnce sync.Once
}

// NewSession opens a channel of kind on t. t must come from Acquire; on
// success the Session takes over that reference and gives it back on Close.
// On failure the caller still owns the reference.
func NewSession(t *Transport, kind sshutil.Kind) (*Session, error) {
	ch, err := t.openChannel(kind)
	if err != nil {
		return nil, err
	}
	return &Session{
		transport: t,
		kind:      kind,
		channel:   ch,
		log:       logger.OrDefault(t.log),
	}, nil
}

// OpenSession acquires a Transport for target from cache and opens a channel
// of kind on it. The reference is released again if the channel cannot be
// opened.
func OpenSession(ctx context.Context, cache Cache, target sshutil.Target, kind sshutil.Kind) (*Session, error) {
	t, err := cache.Acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(t, kind)
	if err != nil {
		cache.Release(t)
		return nil, err
	}
	return s, nil
}

// Transport returns the Transport the session runs on.
func (s *Session) Transport() *Transport { return s.transport }

// Kind returns what the session was opened for.
func (s *Session) Kind() sshutil.Kind { return s.kind }

// Stdin returns the writer feeding the remote side. Closing it sends EOF.
func (s *Session) Stdin() io.WriteCloser { return s.channel.Stdin() }

// Stdout returns the remote side's standard output.
func (s *Session) Stdout() io.Reader { return s.channel.Stdout() }

// Stderr returns the remote side's standard error.
func (s *Session) Stderr() io.Reader { return s.channel.Stderr() }

// Wait blocks until the remote side exits and returns its exit status.
func (s *Session) Wait() (int, error) { return s.channel.Wait() }

// Close closes the channel and releases the Transport reference. It is safe
// to call more than once and after the connection has gone away.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.channel.Close(); err != nil && !isGone(err) {
			s.log.Debug("closing %s on transport %d: %v", s.kind, s.transport.ID(), err)
		}
		s.transport.owner.Release(s.transport)
	})
	return nil
}

func isGone(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe)
}
