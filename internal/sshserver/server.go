// Package sshserver is a small in-process SSH server. It serves exec, shell
// and sftp sessions from the local machine and is what the integration tests
// and `sshutil serve` connect to.
//
// A Server binds on New, serves in the background, and is torn down with
// Close followed by Join:
//
//	srv, err := sshserver.New(sshserver.Options{Port: 10000, Controller: ctl})
//	...
//	srv.Close()
//	srv.Join()
package sshserver

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/metrics"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultAddress is where servers listen unless told otherwise.
	DefaultAddress = "127.0.0.1"

	// DefaultPortRange is how many consecutive ports are tried when the
	// requested one is busy.
	DefaultPortRange = 100

	// handshakeTimeout bounds key exchange and authentication.
	handshakeTimeout = 30 * time.Second

	// maxAcceptDelay caps the backoff after temporary accept errors.
	maxAcceptDelay = time.Second
)

// State is where a Server is in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateBinding
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBinding:
		return "binding"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a Server.
type Options struct {
	// Address to listen on. Defaults to DefaultAddress.
	Address string

	// Port is the first port tried. Zero binds an ephemeral port.
	Port int

	// PortRange is how many ports from Port are tried before giving up.
	// Defaults to DefaultPortRange.
	PortRange int

	// Listener, when set, is served instead of binding Address and Port.
	// The server owns it and closes it on Close.
	Listener net.Listener

	// HostKeys identify the server. One is generated when empty.
	HostKeys []ssh.Signer

	// Controller decides who may log in. Required.
	Controller Controller

	// Dir is where commands and sftp sessions start. Empty means the
	// server process's working directory.
	Dir string

	// Shell runs exec requests with -c. Defaults to /bin/sh.
	Shell string

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// Server is a running SSH server.
type Server struct {
	opts   Options
	config *ssh.ServerConfig
	log    logger.Logger

	state    atomic.Int32
	listener net.Listener
	port     int

	// ctx is cancelled by Close and kills running commands.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	closing   bool
	acceptErr error

	// wg tracks the accept loop and every connection handler.
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	joined    chan struct{}
	joinOnce  sync.Once
}

// New binds a listening port and starts serving in the background.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New(errors.ErrConfig,
			"SSH server has no authentication controller",
			"Pass a Controller, e.g. sshserver.UserPassController{...}.")
	}
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.PortRange <= 0 {
		opts.PortRange = DefaultPortRange
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Invalid port %d", opts.Port),
			"Use a port between 1 and 65535, or 0 for any free port.")
	}
	if len(opts.HostKeys) == 0 {
		key, err := GenerateHostKey()
		if err != nil {
			return nil, err
		}
		opts.HostKeys = []ssh.Signer{key}
	}

	s := &Server{
		opts:   opts,
		log:    logger.OrDefault(opts.Logger),
		conns:  make(map[net.Conn]struct{}),
		joined: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.config = s.serverConfig()

	s.state.Store(int32(StateBinding))
	var (
		ln   net.Listener
		port int
		err  error
	)
	if opts.Listener != nil {
		ln = opts.Listener
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			s.opts.Address = addr.IP.String()
			port = addr.Port
		}
	} else {
		ln, port, err = bind(opts.Address, opts.Port, opts.PortRange, s.log, opts.Metrics)
	}
	if err != nil {
		s.cancel()
		s.state.Store(int32(StateClosed))
		close(s.joined)
		return nil, err
	}
	s.listener = ln
	s.port = port
	s.state.Store(int32(StateListening))
	s.log.Debug("listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	ctl := s.opts.Controller
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if ctl.Authenticate(meta.User(), Credential{Password: string(password)}) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ctl.Authenticate(meta.User(), Credential{PublicKey: key}) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("public key rejected for %q", meta.User())
		},
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			if err == nil || method == "none" {
				return
			}
			s.opts.Metrics.AuthFailed(method)
			s.log.Debug("auth %s failed for %s from %s: %v", method, meta.User(), meta.RemoteAddr(), err)
		},
	}
	for _, key := range s.opts.HostKeys {
		cfg.AddHostKey(key)
	}
	return cfg
}

// Port returns the port actually bound.
func (s *Server) Port() int { return s.port }

// Addr returns the listening address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Address, strconv.Itoa(s.port))
}

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// acceptLoop serves until Close. Temporary accept errors such as running
// out of file descriptors are retried with backoff; anything else stops the
// server, and Err reports why.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.State() >= StateClosing {
				return
			}
			if isTemporaryAcceptError(err) {
				delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
				s.log.Warn("accept on %s: %v, retrying in %s", s.Addr(), err, delay)
				select {
				case <-time.After(delay):
					continue
				case <-s.ctx.Done():
					return
				}
			}
			s.fail(err)
			return
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// fail records why the accept loop gave up and shuts the server down, so
// Done fires for whoever is waiting on it.
func (s *Server) fail(err error) {
	s.log.Error("accept on %s: %v, shutting down", s.Addr(), err)
	s.mu.Lock()
	s.acceptErr = errors.WrapWithCode(err, errors.ErrBind,
		fmt.Sprintf("Stopped accepting connections on %s", s.Addr()),
		"Restart the server; the listener cannot be used any more.")
	s.mu.Unlock()

	_ = s.Close()
	go s.Join()
}

// Err returns why the server stopped on its own, or nil if it is still
// serving or was stopped with Close.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptErr
}

// track registers conn so Close can reach it. It is false once closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting connections, drops every live connection and kills
// running commands. It does not wait; call Join for that. Repeat calls
// return the first call's result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		s.mu.Lock()
		s.closing = true
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.closeErr = errors.WrapWithCode(err, errors.ErrClose,
				fmt.Sprintf("Couldn't close listener on %s", s.Addr()), "")
		}
		for _, c := range conns {
			c.Close()
		}
		s.log.Debug("closing %s with %d live connections", s.Addr(), len(conns))
	})
	return s.closeErr
}

// Join blocks until the accept loop and every connection handler have
// exited. The port is free for reuse once Join returns.
func (s *Server) Join() {
	s.wg.Wait()
	s.joinOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.joined)
	})
}

// Shutdown closes the server and joins it, giving up when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Close()
	go s.Join()
	select {
	case <-s.joined:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the server has been joined.
func (s *Server) Done() <-chan struct{} { return s.joined }

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer s.untrack(nc)
	defer nc.Close()

	start := time.Now()
	_ = nc.SetDeadline(start.Add(handshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		// Denied or broken handshakes never get a handler.
		s.log.Debug("handshake with %s: %v", nc.RemoteAddr(), err)
		return
	}
	_ = nc.SetDeadline(time.Time{})
	defer sconn.Close()

	s.opts.Metrics.ConnectionOpened()
	defer func() { s.opts.Metrics.ConnectionClosed(time.Since(start).Seconds()) }()
	s.log.Debug("%s logged in from %s", sconn.User(), sconn.RemoteAddr())

	var sessions sync.WaitGroup
	sessions.Add(1)
	go func() {
		defer sessions.Done()
		ssh.DiscardRequests(reqs)
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			s.log.Debug("accept channel from %s: %v", sconn.RemoteAddr(), err)
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(ch, chReqs)
		}()
	}

	// chans is closed once the connection is gone; make sure every
	// session goroutine sees that too.
	sconn.Close()
	sessions.Wait()
	s.log.Debug("%s from %s disconnected after %s", sconn.User(), sconn.RemoteAddr(), time.Since(start).Round(time.Millisecond))
}
