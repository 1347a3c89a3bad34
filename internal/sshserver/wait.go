package sshserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
)

// pollInterval is the pause between connection attempts in WaitPortOpen.
const pollInterval = 20 * time.Millisecond

// WaitPortOpen polls addr until a TCP connection succeeds or ctx ends.
func WaitPortOpen(ctx context.Context, addr string) error {
	var d net.Dialer
	var lastErr error
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Second)
		conn, err := d.DialContext(attemptCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn.Close()
		}
		lastErr = err

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WrapWithCode(lastErr, errors.ErrConnect,
				fmt.Sprintf("%s did not start accepting connections", addr),
				"Check the server started and is listening on that address.")
		case <-timer.C:
		}
	}
}
