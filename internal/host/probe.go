package host

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"golang.org/x/sync/errgroup"
)

// probeConcurrency bounds how many targets ProbeAll dials at once.
const probeConcurrency = 8

// ProbeError represents a failed probe with categorized failure reason.
type ProbeError struct {
	Target string
	Reason ProbeFailReason
	Cause  error
}

// ProbeFailReason categorizes why a probe failed.
type ProbeFailReason int

const (
	ProbeFailUnknown ProbeFailReason = iota
	ProbeFailTimeout
	ProbeFailRefused
	ProbeFailUnreachable
	ProbeFailAuth
	ProbeFailHostKey
	ProbeFailProtocol
)

// String returns a human-readable description of the failure reason.
func (r ProbeFailReason) String() string {
	switch r {
	case ProbeFailTimeout:
		return "connection timed out"
	case ProbeFailRefused:
		return "connection refused"
	case ProbeFailUnreachable:
		return "host unreachable"
	case ProbeFailAuth:
		return "authentication failed"
	case ProbeFailHostKey:
		return "host key verification failed"
	case ProbeFailProtocol:
		return "ssh handshake failed"
	default:
		return "unknown error"
	}
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("probe %s failed: %s (%v)", e.Target, e.Reason, firstLine(e.Cause))
	}
	return fmt.Sprintf("probe %s failed: %s", e.Target, e.Reason)
}

func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// Probe opens a dedicated connection to target, bypassing any cache, and
// returns how long the dial and handshake took.
func Probe(ctx context.Context, provider sshutil.Provider, target sshutil.Target) (time.Duration, error) {
	start := time.Now()

	link, err := provider.Connect(ctx, target)
	if err != nil {
		return 0, categorizeProbeError(target.String(), err)
	}
	latency := time.Since(start)
	_ = link.Close()

	return latency, nil
}

// ProbeResult contains the result of probing a single target.
type ProbeResult struct {
	Target  sshutil.Target
	Latency time.Duration
	Error   error
	Success bool
}

// ProbeAll probes targets concurrently and returns a result for each, in
// the order given.
func ProbeAll(ctx context.Context, provider sshutil.Provider, targets []sshutil.Target) []ProbeResult {
	results := make([]ProbeResult, len(targets))

	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			latency, err := Probe(ctx, provider, target)
			results[i] = ProbeResult{
				Target:  target,
				Latency: latency,
				Error:   err,
				Success: err == nil,
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FirstReachable probes targets in order and returns the first that answers.
func FirstReachable(ctx context.Context, provider sshutil.Provider, targets []sshutil.Target) (*ProbeResult, error) {
	if len(targets) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"No hosts to probe",
			"Pass at least one host, or add hosts to .sshutil.yaml")
	}

	var lastErr error
	for _, target := range targets {
		latency, err := Probe(ctx, provider, target)
		if err == nil {
			return &ProbeResult{
				Target:  target,
				Latency: latency,
				Success: true,
			}, nil
		}
		lastErr = err
	}

	return nil, errors.WrapWithCode(lastErr, errors.ErrConnect,
		fmt.Sprintf("All hosts unreachable (tried %d)", len(targets)),
		"Check your network connection and SSH configuration")
}

// categorizeProbeError converts a connect error into a ProbeError. The
// provider's classification is used when there is one; the message is
// inspected for the network details it does not distinguish.
func categorizeProbeError(target string, err error) *ProbeError {
	if err == nil {
		return nil
	}

	probeErr := &ProbeError{
		Target: target,
		Reason: ProbeFailUnknown,
		Cause:  err,
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		probeErr.Reason = ProbeFailTimeout
		return probeErr
	}

	var connErr *sshutil.ConnectError
	if stderrors.As(err, &connErr) {
		switch connErr.Reason {
		case sshutil.ReasonAuth:
			probeErr.Reason = ProbeFailAuth
			return probeErr
		case sshutil.ReasonHostKey:
			probeErr.Reason = ProbeFailHostKey
			return probeErr
		case sshutil.ReasonProtocol:
			probeErr.Reason = ProbeFailProtocol
			return probeErr
		}
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		probeErr.Reason = ProbeFailTimeout
	case strings.Contains(errStr, "connection refused"):
		probeErr.Reason = ProbeFailRefused
	case strings.Contains(errStr, "no route to host"),
		strings.Contains(errStr, "network is unreachable"),
		strings.Contains(errStr, "host is down"),
		strings.Contains(errStr, "no such host"):
		probeErr.Reason = ProbeFailUnreachable
	case strings.Contains(errStr, "unable to authenticate"),
		strings.Contains(errStr, "no supported methods"),
		strings.Contains(errStr, "permission denied"),
		strings.Contains(errStr, "authentication failed"):
		probeErr.Reason = ProbeFailAuth
	case strings.Contains(errStr, "host key"):
		probeErr.Reason = ProbeFailHostKey
	}

	return probeErr
}

// firstLine trims multi-line structured errors to their headline.
func firstLine(err error) string {
	msg := strings.TrimSpace(err.Error())
	msg = strings.TrimPrefix(msg, "✗ ")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
