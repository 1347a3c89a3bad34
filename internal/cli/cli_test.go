package cli

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rileyhilliard/sshutil/internal/config"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/exec"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/sshserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs an sshserver on an ephemeral port and writes a config
// with a host "srv" pointing at it. Returns the config path.
func startServer(t *testing.T, dir string, withPassword bool) string {
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

	cfg := config.DefaultConfig()
	cfg.StrictHostKeyChecking = false
	cfg.SSHConfig = "-"
	cfg.ConnectTimeout = 5 * time.Second
	cfg.Hosts["srv"] = config.Host{Address: "127.0.0.1", Port: srv.Port(), User: "tester"}
	if withPassword {
		h := cfg.Hosts["srv"]
		h.Password = "admin"
		cfg.Hosts["srv"] = h
	}
	cfg.Hosts["down"] = config.Host{Address: "127.0.0.1", Port: 1, User: "tester", Password: "admin"}

	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.Save(path, cfg))
	return path
}

func testEnv(path string) envOptions {
	return envOptions{ConfigPath: path, Logger: logger.Noop()}
}

func TestRun_Remote(t *testing.T) {
	path := startServer(t, "", true)
	ctx := context.Background()

	for _, policy := range []string{"", config.PolicyNone} {
		t.Run("policy="+policy, func(t *testing.T) {
			env := testEnv(path)
			env.Policy = policy

			var stdout, stderr bytes.Buffer
			err := Run(ctx, RunOptions{Host: "srv", Command: "ls -d /etc", Env: env}, &stdout, &stderr)
			require.NoError(t, err)
			assert.Equal(t, "/etc\n", stdout.String())
			assert.Empty(t, stderr.String())
		})
	}
}

func TestRun_ExitCodePropagates(t *testing.T) {
	path := startServer(t, "", true)

	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), RunOptions{Host: "srv", Command: "echo out; echo err >&2; exit 3", Env: testEnv(path)}, &stdout, &stderr)

	var exitErr *errors.ExitError
	require.True(t, stderrors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestRun_CommandNotFound(t *testing.T) {
	path := startServer(t, "", true)

	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), RunOptions{Host: "srv", Command: "definitely-not-a-command-xyz", Env: testEnv(path)}, &stdout, &stderr)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrExec))
	assert.Contains(t, err.Error(), "'definitely-not-a-command-xyz' not found on")

	// The server's shell output is what the message is built from.
	name, missing := exec.MissingCommand(stderr.String(), exec.ExitNotFound)
	assert.True(t, missing)
	assert.Equal(t, "definitely-not-a-command-xyz", name)
}

func TestRun_DirFlag(t *testing.T) {
	path := startServer(t, "", true)
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	var stdout bytes.Buffer
	err = Run(context.Background(), RunOptions{Host: "srv", Command: "pwd -P", Dir: dir, Env: testEnv(path)}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, resolved+"\n", stdout.String())
}

func TestRun_AskPassword(t *testing.T) {
	path := startServer(t, "", false)

	original := promptPassword
	defer func() { promptPassword = original }()
	var prompted string
	promptPassword = func(prompt string) (string, error) {
		prompted = prompt
		return "admin", nil
	}

	env := testEnv(path)
	env.AskPassword = true

	var stdout bytes.Buffer
	err := Run(context.Background(), RunOptions{Host: "srv", Command: "echo hi", Env: env}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", stdout.String())
	assert.Contains(t, prompted, "tester@127.0.0.1")
}

func TestRun_Errors(t *testing.T) {
	path := startServer(t, "", true)

	err := Run(context.Background(), RunOptions{Host: "srv", Command: "  ", Env: testEnv(path)}, io.Discard, io.Discard)
	assert.True(t, errors.IsCode(err, errors.ErrExec))

	err = Run(context.Background(), RunOptions{Host: "down", Command: "true", Env: testEnv(path)}, io.Discard, io.Discard)
	assert.Error(t, err)

	env := testEnv(path)
	env.Policy = "pooled"
	err = Run(context.Background(), RunOptions{Host: "srv", Command: "true", Env: env}, io.Discard, io.Discard)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestRun_Local(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0644))

	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.Save(path, config.DefaultConfig()))

	var stdout bytes.Buffer
	err := Run(context.Background(), RunOptions{Host: "anything", Command: "ls", Dir: dir, Local: true, Env: testEnv(path)}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "marker\n", stdout.String())
}

func TestPut(t *testing.T) {
	remote := t.TempDir()
	path := startServer(t, remote, true)

	src := filepath.Join(t.TempDir(), "app.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho app\n"), 0755))

	var stdout bytes.Buffer
	err := Put(context.Background(), PutOptions{Host: "srv", Source: src, Dest: "bin-app.sh", Env: testEnv(path)}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "copied")

	data, err := os.ReadFile(filepath.Join(remote, "bin-app.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho app\n", string(data))

	info, err := os.Stat(filepath.Join(remote, "bin-app.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestPing(t *testing.T) {
	path := startServer(t, "", true)

	var out bytes.Buffer
	err := Ping(context.Background(), PingOptions{Hosts: []string{"srv"}, Env: testEnv(path)}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "srv")

	out.Reset()
	err = Ping(context.Background(), PingOptions{Env: testEnv(path)}, &out)
	var exitErr *errors.ExitError
	require.True(t, stderrors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, out.String(), "connection refused")
	assert.Contains(t, out.String(), "1 host unreachable: down")
}

func TestPing_NoHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.Save(path, config.DefaultConfig()))

	err := Ping(context.Background(), PingOptions{Env: testEnv(path)}, io.Discard)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SSH server test in short mode")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.ConfigFileName)
	cfg := config.DefaultConfig()
	cfg.Server.HostKey = filepath.Join(dir, "keys", "host_key")
	require.NoError(t, config.Save(cfgPath, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type ready struct {
		srv     *sshserver.Server
		metrics string
	}
	readyCh := make(chan ready, 1)
	done := make(chan error, 1)
	var out bytes.Buffer

	go func() {
		done <- Serve(ctx, ServeOptions{
			Port:           0,
			PortSet:        true,
			Password:       "admin",
			MetricsAddress: "127.0.0.1:0",
			Env:            testEnv(cfgPath),
			Ready: func(srv *sshserver.Server, metricsAddr string) {
				readyCh <- ready{srv, metricsAddr}
			},
		}, &out)
	}()

	var r ready
	select {
	case r = <-readyCh:
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server never became ready")
	}

	_, err := os.Stat(cfg.Server.HostKey)
	assert.NoError(t, err, "host key should be created")

	clientCfg := config.DefaultConfig()
	clientCfg.StrictHostKeyChecking = false
	clientCfg.SSHConfig = "-"
	clientCfg.Hosts["local"] = config.Host{Address: "127.0.0.1", Port: r.srv.Port(), User: os.Getenv("USER"), Password: "admin"}
	clientPath := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.Save(clientPath, clientCfg))

	var stdout bytes.Buffer
	require.NoError(t, Run(ctx, RunOptions{Host: "local", Command: "echo served", Env: testEnv(clientPath)}, &stdout, io.Discard))
	assert.Equal(t, "served\n", stdout.String())

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", r.metrics))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "sshutil_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, sshserver.StateClosed, r.srv.State())
	assert.Contains(t, out.String(), "SSH server listening")
}

func TestServe_NeedsCredentials(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.Save(cfgPath, config.DefaultConfig()))

	err := Serve(context.Background(), ServeOptions{Env: testEnv(cfgPath)}, io.Discard)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}
