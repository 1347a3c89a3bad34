package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/sshserver"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer is the SSH endpoint shared by one test: a real server on
// 127.0.0.1 and a Dialer that trusts it.
type testServer struct {
	srv    *sshserver.Server
	dialer *sshutil.Dialer
	target sshutil.Target
}

func newTestServer(t *testing.T, dir string) *testServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping SSH server test in short mode")
	}

	srv, err := sshserver.New(sshserver.Options{
		Controller: sshserver.UserPassController{Username: "tester", Password: "admin"},
		Dir:        dir,
		Logger:     logger.Noop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		srv.Join()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sshserver.WaitPortOpen(ctx, srv.Addr()))

	return &testServer{
		srv: srv,
		dialer: sshutil.NewDialer(sshutil.DialerOptions{
			Timeout:       5 * time.Second,
			SSHConfigPath: "-",
			Logger:        logger.Noop(),
		}),
		target: sshutil.Target{
			Host:       "127.0.0.1",
			Port:       srv.Port(),
			Username:   "tester",
			Credential: sshutil.PasswordCredential("admin"),
		},
	}
}

func (ts *testServer) host(t *testing.T, cache Cache) *Host {
	t.Helper()
	h, err := New(context.Background(), Options{Target: ts.target, Cache: cache, Logger: logger.Noop()})
	require.NoError(t, err)
	return h
}

func TestIntegration_DiscoversServerDirectory(t *testing.T) {
	dir := t.TempDir()
	ts := newTestServer(t, dir)
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	t.Cleanup(func() { _ = cache.Flush(context.Background()) })

	h := ts.host(t, cache)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{dir, resolved}, h.Dir())
}

func TestIntegration_Run(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	t.Cleanup(func() { _ = cache.Flush(context.Background()) })
	h := ts.host(t, cache)
	ctx := context.Background()

	code, stdout, stderr, err := h.RunStatusStderr(ctx, "ls -d /etc")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/etc\n", stdout)
	assert.Empty(t, stderr)

	code, stdout, stderr, err = h.RunStatusStderr(ctx, "grep foo /nonexistent/file")
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "No such file or directory")

	_, err = h.Run(ctx, "exit 7")
	var cmdErr *errors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 7, cmdErr.ExitCode)
}

func TestIntegration_CopyTo(t *testing.T) {
	dir := t.TempDir()
	ts := newTestServer(t, dir)
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	t.Cleanup(func() { _ = cache.Flush(context.Background()) })
	h := ts.host(t, cache)

	src := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho copied\n"), 0750))

	require.NoError(t, h.CopyTo(context.Background(), src, "tool.sh"))

	out, err := h.Run(context.Background(), "./tool.sh")
	require.NoError(t, err)
	assert.Equal(t, "copied\n", out)

	info, err := os.Stat(filepath.Join(dir, "tool.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())
}

func TestIntegration_CachedSessionsThenFlush(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	ctx := context.Background()

	var sessions []*Session
	for i := 0; i < 25; i++ {
		s, err := OpenSession(ctx, cache, ts.target, sshutil.Command("cat"))
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	first := sessions[0].Transport().ID()
	for _, s := range sessions {
		assert.Equal(t, first, s.Transport().ID())
	}
	assert.Equal(t, 1, cache.Len())

	for _, s := range sessions {
		require.NoError(t, s.Close())
	}
	require.NoError(t, cache.Flush(ctx))
	assert.Equal(t, 0, cache.Len())

	tr, err := cache.Acquire(ctx, ts.target)
	require.NoError(t, err)
	assert.NotEqual(t, first, tr.ID())
	cache.Release(tr)
	require.NoError(t, cache.Flush(ctx))
}

func TestIntegration_ConcurrentHosts(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	t.Cleanup(func() { _ = cache.Flush(context.Background()) })
	ctx := context.Background()

	var wg sync.WaitGroup
	outputs := make([]string, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := New(ctx, Options{Target: ts.target, Cache: cache, Dir: "/", Logger: logger.Noop()})
			if err != nil {
				errs[i] = err
				return
			}
			outputs[i], errs[i] = h.Run(ctx, "echo hi")
		}(i)
	}
	wg.Wait()

	for i := range outputs {
		require.NoError(t, errs[i])
		assert.Equal(t, "hi\n", outputs[i])
	}
	assert.Equal(t, 1, cache.Len())
}

func TestIntegration_PolicyTransparent(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	type result struct {
		code           int
		stdout, stderr string
	}
	commands := []string{"ls -d /etc", "grep foo /nonexistent/file", "echo a; echo b >&2; exit 3"}
	results := map[CachePolicy][]result{}

	for _, policy := range []CachePolicy{PolicyShared, PolicyNone} {
		cache, err := NewCache(policy, ts.dialer, CacheOptions{Logger: logger.Noop()})
		require.NoError(t, err)
		h := ts.host(t, cache)

		for _, cmd := range commands {
			code, stdout, stderr, err := h.RunStatusStderr(ctx, cmd)
			require.NoError(t, err)
			results[policy] = append(results[policy], result{code, stdout, stderr})
		}
		require.NoError(t, cache.Flush(ctx))
	}

	assert.Equal(t, results[PolicyShared], results[PolicyNone])
}

func TestIntegration_NoCacheIndependentSessions(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewNoConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	ctx := context.Background()

	ids := map[uint64]bool{}
	var sessions []*Session
	for i := 0; i < 10; i++ {
		s, err := OpenSession(ctx, cache, ts.target, sshutil.Command("cat"))
		require.NoError(t, err)
		ids[s.Transport().ID()] = true
		sessions = append(sessions, s)
	}
	assert.Len(t, ids, 10)

	for _, s := range sessions {
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 0, cache.Live())
}

func TestIntegration_AuthFailureNotCached(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})

	bad := ts.target
	bad.Credential = sshutil.PasswordCredential("wrong")

	_, err := cache.Acquire(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConnect))

	var connErr *sshutil.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, sshutil.ReasonAuth, connErr.Reason)
	assert.Equal(t, 0, cache.Len())
}

func TestIntegration_ServerGoneMarksTransportDead(t *testing.T) {
	ts := newTestServer(t, "")
	cache := NewConnectionCache(ts.dialer, CacheOptions{Logger: logger.Noop()})
	ctx := context.Background()

	tr, err := cache.Acquire(ctx, ts.target)
	require.NoError(t, err)
	cache.Release(tr)

	require.NoError(t, ts.srv.Close())
	ts.srv.Join()

	require.Eventually(t, func() bool { return !tr.Alive() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, cache.Flush(ctx))
}
