package host

import (
	"context"
	"errors"
	"testing"

	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	sshtest "github.com/rileyhilliard/sshutil/pkg/sshutil/testing"
)

func TestCategorizeProbeError_Timeout(t *testing.T) {
	testCases := []string{
		"i/o timeout",
		"connection timeout",
		"dial tcp: timeout",
	}

	for _, errMsg := range testCases {
		err := categorizeProbeError("test-host", errors.New(errMsg))
		if err == nil {
			t.Errorf("categorizeProbeError(%q) returned nil", errMsg)
			continue
		}

		if err.Reason != ProbeFailTimeout {
			t.Errorf("categorizeProbeError(%q).Reason = %v, want ProbeFailTimeout", errMsg, err.Reason)
		}
	}

	err := categorizeProbeError("test-host", context.DeadlineExceeded)
	if err.Reason != ProbeFailTimeout {
		t.Errorf("Reason = %v, want ProbeFailTimeout for a deadline", err.Reason)
	}
}

func TestCategorizeProbeError_Refused(t *testing.T) {
	err := categorizeProbeError("test-host", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"))
	if err == nil {
		t.Fatal("categorizeProbeError returned nil")
	}

	if err.Reason != ProbeFailRefused {
		t.Errorf("Reason = %v, want ProbeFailRefused", err.Reason)
	}
}

func TestCategorizeProbeError_Unreachable(t *testing.T) {
	testCases := []string{
		"no route to host",
		"network is unreachable",
		"host is down",
		"lookup nowhere.invalid: no such host",
	}

	for _, errMsg := range testCases {
		err := categorizeProbeError("test-host", errors.New(errMsg))
		if err.Reason != ProbeFailUnreachable {
			t.Errorf("categorizeProbeError(%q).Reason = %v, want ProbeFailUnreachable", errMsg, err.Reason)
		}
	}
}

func TestCategorizeProbeError_Auth(t *testing.T) {
	testCases := []string{
		"unable to authenticate",
		"no supported methods remain",
		"permission denied (publickey)",
		"authentication failed",
	}

	for _, errMsg := range testCases {
		err := categorizeProbeError("test-host", errors.New(errMsg))
		if err.Reason != ProbeFailAuth {
			t.Errorf("categorizeProbeError(%q).Reason = %v, want ProbeFailAuth", errMsg, err.Reason)
		}
	}
}

func TestCategorizeProbeError_ConnectReason(t *testing.T) {
	tests := []struct {
		reason sshutil.ConnectReason
		want   ProbeFailReason
	}{
		{sshutil.ReasonAuth, ProbeFailAuth},
		{sshutil.ReasonHostKey, ProbeFailHostKey},
		{sshutil.ReasonProtocol, ProbeFailProtocol},
	}

	for _, tt := range tests {
		cause := &sshutil.ConnectError{Reason: tt.reason, Address: "h:22", Err: errors.New("boom")}
		err := categorizeProbeError("h", cause)
		if err.Reason != tt.want {
			t.Errorf("reason %s: got %v, want %v", tt.reason, err.Reason, tt.want)
		}
	}

	// Network failures fall through to the message for detail.
	cause := &sshutil.ConnectError{Reason: sshutil.ReasonNetwork, Address: "h:22", Err: errors.New("connection refused")}
	if err := categorizeProbeError("h", cause); err.Reason != ProbeFailRefused {
		t.Errorf("network reason: got %v, want ProbeFailRefused", err.Reason)
	}
}

func TestCategorizeProbeError_Unknown(t *testing.T) {
	err := categorizeProbeError("test-host", errors.New("some random error"))
	if err.Reason != ProbeFailUnknown {
		t.Errorf("Reason = %v, want ProbeFailUnknown", err.Reason)
	}
}

func TestCategorizeProbeError_Nil(t *testing.T) {
	err := categorizeProbeError("test-host", nil)
	if err != nil {
		t.Errorf("categorizeProbeError(nil) = %v, want nil", err)
	}
}

func TestProbeError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	probeErr := &ProbeError{
		Target: "test",
		Reason: ProbeFailTimeout,
		Cause:  cause,
	}

	if unwrapped := probeErr.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
	if got := probeErr.Error(); got != "probe test failed: connection timed out (underlying error)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProbe_FakeProvider(t *testing.T) {
	p := sshtest.NewFakeProvider()

	latency, err := Probe(context.Background(), p, testTarget())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if latency < 0 {
		t.Errorf("latency = %v, want >= 0", latency)
	}
	if p.Live() != 0 {
		t.Errorf("probe left %d links open", p.Live())
	}
}

func TestProbeAll_MixedResults(t *testing.T) {
	p := sshtest.NewFakeProvider()
	results := ProbeAll(context.Background(), p, []sshutil.Target{testTarget(), testTarget()})
	if len(results) != 2 {
		t.Fatalf("ProbeAll returned %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("probe of %s failed: %v", r.Target, r.Error)
		}
	}

	p.SetConnectError(errors.New("denied"))
	results = ProbeAll(context.Background(), p, []sshutil.Target{testTarget()})
	var probeErr *ProbeError
	if !errors.As(results[0].Error, &probeErr) || probeErr.Reason != ProbeFailAuth {
		t.Errorf("expected auth ProbeError, got %v", results[0].Error)
	}
}

func TestFirstReachable(t *testing.T) {
	p := sshtest.NewFakeProvider()

	if _, err := FirstReachable(context.Background(), p, nil); err == nil {
		t.Error("FirstReachable(nil) should fail")
	}

	res, err := FirstReachable(context.Background(), p, []sshutil.Target{testTarget()})
	if err != nil {
		t.Fatalf("FirstReachable() error = %v", err)
	}
	if res.Target.Host != testTarget().Host || !res.Success {
		t.Errorf("unexpected result %+v", res)
	}

	p.SetConnectError(errors.New("denied"))
	if _, err := FirstReachable(context.Background(), p, []sshutil.Target{testTarget()}); err == nil {
		t.Error("FirstReachable should fail when every probe fails")
	}
}
