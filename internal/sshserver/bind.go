package sshserver

import (
	stderrors "errors"
	"fmt"
	"net"
	"strconv"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/metrics"
	"golang.org/x/sys/unix"
)

// bind listens on the first free port in [port, port+portRange). Only
// "address in use" moves on to the next port; any other failure is returned
// right away. Port 0 binds an ephemeral port without retrying.
func bind(address string, port, portRange int, log logger.Logger, m *metrics.Collector) (net.Listener, int, error) {
	if port == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
		if err != nil {
			return nil, 0, bindError(err, address, 0)
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	last := port + portRange - 1
	if last > 65535 {
		last = 65535
	}

	var busy error
	for p := port; p <= last; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(p)))
		if err == nil {
			return ln, p, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, bindError(err, address, p)
		}
		busy = err
		m.BindRetried()
		log.Debug("port %d busy, trying %d", p, p+1)
	}

	return nil, 0, errors.WrapWithCode(busy, errors.ErrBind,
		fmt.Sprintf("No free port on %s between %d and %d", address, port, last),
		"Stop whatever is using these ports, or choose another port or a larger port_range.")
}

func bindError(err error, address string, port int) error {
	return errors.WrapWithCode(err, errors.ErrBind,
		fmt.Sprintf("Couldn't listen on %s", net.JoinHostPort(address, strconv.Itoa(port))),
		"Check the address exists on this machine and that you may bind the port.")
}

// isTemporaryAcceptError reports whether Accept may succeed if retried.
func isTemporaryAcceptError(err error) bool {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ECONNABORTED} {
		if stderrors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// isAddrInUse reports whether err is EADDRINUSE.
func isAddrInUse(err error) bool {
	return stderrors.Is(err, unix.EADDRINUSE)
}
