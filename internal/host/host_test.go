package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	sshtest "github.com/rileyhilliard/sshutil/pkg/sshutil/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeHost(t *testing.T, dir string) (*Host, *ConnectionCache, *sshtest.FakeProvider) {
	t.Helper()
	cache, p := newTestCache(t, CacheOptions{})
	h, err := New(context.Background(), Options{
		Target: testTarget(),
		Cache:  cache,
		Dir:    dir,
		Logger: logger.Noop(),
	})
	require.NoError(t, err)
	return h, cache, p
}

func TestNew_DiscoversWorkingDirectory(t *testing.T) {
	h, _, _ := newFakeHost(t, "")
	assert.Equal(t, "/home/fake", h.Dir())
	assert.False(t, h.Local())
	assert.Equal(t, testTarget().String(), h.String())
}

func TestNew_NeedsCache(t *testing.T) {
	_, err := New(context.Background(), Options{Target: testTarget()})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestHost_Wrap(t *testing.T) {
	h := &Host{dir: "/srv/my app"}
	args, err := shellquote.Split(h.wrap("ls -la"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "cd '/srv/my app' && ls -la"}, args)

	h.dir = ""
	assert.Equal(t, "ls -la", h.wrap("ls -la"))
}

func TestQuoteDir(t *testing.T) {
	tests := []struct {
		dir      string
		expected string
	}{
		{"/srv", "/srv"},
		{"/srv/my app", "'/srv/my app'"},
		{"~", "~"},
		{"~/my app", "~/'my app'"},
		{"~bob/x", `\~bob/x`},
		{"/srv/$app", `/srv/\$app`},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.expected, quoteDir(tt.dir))
		})
	}
}

func TestHost_RunUsesDirectory(t *testing.T) {
	h, _, p := newFakeHost(t, "/srv")
	p.SetCommandResponse("whoami", sshtest.CommandResponse{Stdout: []byte("alice\n")})

	out, err := h.Run(context.Background(), "whoami")
	require.NoError(t, err)
	assert.Equal(t, "alice\n", out)
}

func TestHost_RunStderr_MissingFile(t *testing.T) {
	h, _, _ := newFakeHost(t, "/srv")

	stdout, stderr, err := h.RunStderr(context.Background(), "grep foo /nonexistent/file")
	require.Error(t, err)

	var cmdErr *errors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.NotEqual(t, 0, cmdErr.ExitCode)
	assert.Contains(t, stderr, "No such file or directory")
	assert.Empty(t, stdout)

	code, ok := errors.GetExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 2, code)
}

func TestHost_RunStatus(t *testing.T) {
	h, _, p := newFakeHost(t, "/srv")
	sshtest.WithFiles(p, map[string]string{"/srv/notes.txt": "alpha\nbeta\n"})

	code, out, err := h.RunStatus(context.Background(), "grep beta /srv/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "beta\n", out)

	code, _, err = h.RunStatus(context.Background(), "grep gamma /srv/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	code, _, stderr, err := h.RunStatusStderr(context.Background(), "frobnicate")
	require.NoError(t, err)
	assert.Equal(t, 127, code)
	assert.Contains(t, stderr, "command not found")
}

func TestHost_ManySessionsShareTransport(t *testing.T) {
	h, cache, p := newFakeHost(t, "/srv")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.Run(ctx, "true")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.Connects())
	assert.Equal(t, 10, p.Links()[0].ChannelsOpened())
	assert.Equal(t, 0, cache.Stats().Sessions)
}

func TestHost_RunCancelled(t *testing.T) {
	h, cache, p := newFakeHost(t, "/srv")
	hold := make(chan struct{})
	defer close(hold)
	p.SetCommandResponse("sleep 30", sshtest.CommandResponse{Hold: hold})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	code, _, _, err := h.RunStatusStderr(ctx, "sleep 30")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errors.IsCode(err, errors.ErrExec))
	assert.Equal(t, -1, code)
	assert.Equal(t, 0, cache.Stats().Sessions)
}

func TestHost_Local(t *testing.T) {
	dir := t.TempDir()
	h, err := New(context.Background(), Options{Local: true, Dir: dir, Logger: logger.Noop()})
	require.NoError(t, err)
	assert.True(t, h.Local())
	assert.Equal(t, "local", h.String())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "here.txt"), []byte("x"), 0644))
	out, err := h.Run(context.Background(), "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "here.txt")

	_, stderr, err := h.RunStderr(context.Background(), "grep foo /nonexistent/file")
	var cmdErr *errors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, stderr, "No such file or directory")
}

func TestHost_LocalDiscoversDirectory(t *testing.T) {
	h, err := New(context.Background(), Options{Logger: logger.Noop()})
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(wd)
	require.NoError(t, err)
	assert.Contains(t, []string{wd, resolved}, h.Dir())
}

func TestHost_LocalCopyTo(t *testing.T) {
	src := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho hi\n"), 0755))

	dstDir := t.TempDir()
	h, err := New(context.Background(), Options{Local: true, Dir: dstDir, Logger: logger.Noop()})
	require.NoError(t, err)

	require.NoError(t, h.CopyTo(context.Background(), src, "copied.sh"))

	content, err := os.ReadFile(filepath.Join(dstDir, "copied.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	info, err := os.Stat(filepath.Join(dstDir, "copied.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestHost_CopyToRejectsBadSource(t *testing.T) {
	h, err := New(context.Background(), Options{Local: true, Dir: t.TempDir(), Logger: logger.Noop()})
	require.NoError(t, err)

	err = h.CopyTo(context.Background(), "/nonexistent/file", "x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSFTP))

	err = h.CopyTo(context.Background(), t.TempDir(), "x")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSFTP))
}

func TestHost_TargetAccessor(t *testing.T) {
	h, _, _ := newFakeHost(t, "/srv")
	assert.Equal(t, testTarget().Key(), h.Target().Key())
}
