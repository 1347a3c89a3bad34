package host

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/exec"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"golang.org/x/sync/errgroup"
)

// Options configures a Host.
type Options struct {
	Target sshutil.Target
	Cache  Cache

	// Dir is where commands run. When empty it is discovered with `pwd`.
	Dir string

	// Local runs commands with the local shell instead of over SSH.
	// It is implied when Target.Host is empty.
	Local bool

	Logger logger.Logger
}

// Host runs commands and copies files on one machine, either over SSH
// through a Cache or locally.
type Host struct {
	target sshutil.Target
	cache  Cache
	dir    string
	local  bool
	log    logger.Logger
}

// New creates a Host. A remote Host needs a Cache.
func New(ctx context.Context, opts Options) (*Host, error) {
	h := &Host{
		target: opts.Target,
		cache:  opts.Cache,
		dir:    opts.Dir,
		local:  opts.Local || opts.Target.Host == "",
		log:    logger.OrDefault(opts.Logger),
	}

	if !h.local && h.cache == nil {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("No connection cache for host '%s'", opts.Target.Host),
			"Create one with host.NewCache and pass it in Options.Cache.")
	}

	if h.local && (h.dir == "~" || strings.HasPrefix(h.dir, "~/")) {
		if home, err := os.UserHomeDir(); err == nil {
			h.dir = filepath.Join(home, strings.TrimPrefix(h.dir[1:], "/"))
		}
	}

	// A remote ~ is resolved once so sftp paths can be joined to it.
	if h.dir == "" || strings.HasPrefix(h.dir, "~") {
		out, err := h.Run(ctx, "pwd")
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrExec,
				fmt.Sprintf("Couldn't find the working directory on %s", h), "")
		}
		h.dir = strings.TrimSpace(out)
		h.log.Debug("%s: working directory %s", h, h.dir)
	}

	return h, nil
}

// Dir returns the directory commands run in.
func (h *Host) Dir() string { return h.dir }

// Local reports whether commands run on this machine.
func (h *Host) Local() bool { return h.local }

// Target returns the SSH target. It is the zero Target for local hosts.
func (h *Host) Target() sshutil.Target { return h.target }

func (h *Host) String() string {
	if h.local {
		return "local"
	}
	return h.target.String()
}

// wrap makes cmd run from the host's directory.
func (h *Host) wrap(cmd string) string {
	if h.dir == "" {
		return cmd
	}
	inner := "cd " + quoteDir(h.dir) + " && " + cmd
	return "sh -c " + shellquote.Join(inner)
}

// quoteDir quotes dir for the shell, leaving a leading ~ for it to expand.
func quoteDir(dir string) string {
	switch {
	case dir == "~":
		return "~"
	case strings.HasPrefix(dir, "~/"):
		return "~/" + shellquote.Join(dir[2:])
	}
	return shellquote.Join(dir)
}

// RunStatusStderr runs cmd and returns its exit status and output. A non-zero
// exit is not an error; err is only set when the command could not be run.
func (h *Host) RunStatusStderr(ctx context.Context, cmd string) (exitCode int, stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer

	if h.local {
		exitCode, err = exec.Run(ctx, exec.Command{
			Line:   cmd,
			Shell:  "/bin/sh",
			Dir:    h.dir,
			Stdout: &outBuf,
			Stderr: &errBuf,
		})
		return exitCode, outBuf.String(), errBuf.String(), err
	}

	s, err := OpenSession(ctx, h.cache, h.target, sshutil.Command(h.wrap(cmd)))
	if err != nil {
		return -1, "", "", err
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	// Nothing is fed to the command.
	s.Stdin().Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, s.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, s.Stderr())
		return err
	})
	drainErr := g.Wait()

	exitCode, err = s.Wait()
	if ctx.Err() != nil {
		return -1, outBuf.String(), errBuf.String(), errors.WrapWithCode(ctx.Err(), errors.ErrExec,
			fmt.Sprintf("Command on %s was cancelled", h), "")
	}
	if err == nil && drainErr != nil && !isGone(drainErr) {
		err = drainErr
	}
	if err != nil {
		return exitCode, outBuf.String(), errBuf.String(), errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Lost command '%s' on %s", cmd, h), "")
	}
	return exitCode, outBuf.String(), errBuf.String(), nil
}

// RunStatus runs cmd and returns its exit status and stdout.
func (h *Host) RunStatus(ctx context.Context, cmd string) (int, string, error) {
	code, stdout, _, err := h.RunStatusStderr(ctx, cmd)
	return code, stdout, err
}

// RunStderr runs cmd and returns stdout and stderr. A non-zero exit returns
// an *errors.CommandError.
func (h *Host) RunStderr(ctx context.Context, cmd string) (string, string, error) {
	code, stdout, stderr, err := h.RunStatusStderr(ctx, cmd)
	if err != nil {
		return stdout, stderr, err
	}
	if code != 0 {
		return stdout, stderr, errors.NewCommandError(cmd, code, stdout, stderr)
	}
	return stdout, stderr, nil
}

// Run runs cmd and returns stdout. A non-zero exit returns an
// *errors.CommandError.
func (h *Host) Run(ctx context.Context, cmd string) (string, error) {
	stdout, _, err := h.RunStderr(ctx, cmd)
	return stdout, err
}

// CopyTo uploads the local file src to dst on the host, keeping its
// permission bits. A relative dst is taken from the host's directory.
func (h *Host) CopyTo(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP,
			fmt.Sprintf("Couldn't read %s", src), "Check that the file exists and is readable.")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't stat %s", src), "")
	}
	if info.IsDir() {
		return errors.New(errors.ErrSFTP,
			fmt.Sprintf("%s is a directory", src),
			"Only single files can be copied.")
	}

	if h.local {
		return h.copyLocal(in, info.Mode().Perm(), dst)
	}
	return h.copyRemote(ctx, in, info.Mode().Perm(), dst)
}

func (h *Host) copyLocal(in io.Reader, mode os.FileMode, dst string) error {
	if !filepath.IsAbs(dst) {
		dst = filepath.Join(h.dir, dst)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't create %s", dst), "")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't write %s", dst), "")
	}
	if err := out.Close(); err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't write %s", dst), "")
	}
	// OpenFile is subject to the umask.
	return os.Chmod(dst, mode)
}

func (h *Host) copyRemote(ctx context.Context, in io.Reader, mode os.FileMode, dst string) error {
	if !path.IsAbs(dst) {
		dst = path.Join(h.dir, dst)
	}

	s, err := OpenSession(ctx, h.cache, h.target, sshutil.Subsystem("sftp"))
	if err != nil {
		return err
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	client, err := sftp.NewClientPipe(s.Stdout(), s.Stdin())
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP,
			fmt.Sprintf("Couldn't start sftp on %s", h),
			"Check that the server has the sftp subsystem enabled.")
	}
	defer client.Close()

	f, err := client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't create %s on %s", dst, h), "")
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't write %s on %s", dst, h), "")
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't set mode on %s on %s", dst, h), "")
	}
	if err := f.Close(); err != nil {
		return errors.WrapWithCode(err, errors.ErrSFTP, fmt.Sprintf("Couldn't write %s on %s", dst, h), "")
	}

	h.log.Debug("%s: copied %s (%s)", h, dst, mode)
	return nil
}
