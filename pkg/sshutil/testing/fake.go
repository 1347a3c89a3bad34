package testing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// CommandResponse defines a canned response for a specific command pattern.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	// Hold, when non-nil, keeps the command running until it is closed
	// or the channel is closed.
	Hold <-chan struct{}
}

// FakeProvider is an in-memory sshutil.Provider.
type FakeProvider struct {
	// Home is what `pwd` prints. Defaults to /home/fake.
	Home string

	// ConnectDelay is slept (respecting ctx) before each Connect returns.
	ConnectDelay time.Duration

	mu         sync.Mutex
	fs         *FakeFS
	commands   map[string]CommandResponse
	connectErr error
	closeErr   error
	links      []*FakeLink
	connects   atomic.Int64
}

// NewFakeProvider creates a provider whose hosts share one empty filesystem.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Home:     "/home/fake",
		fs:       NewFakeFS(),
		commands: make(map[string]CommandResponse),
	}
}

// Connect creates a new FakeLink. Every call counts as one transport connection.
func (p *FakeProvider) Connect(ctx context.Context, target sshutil.Target) (sshutil.Link, error) {
	p.connects.Add(1)

	if p.ConnectDelay > 0 {
		timer := time.NewTimer(p.ConnectDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connectErr != nil {
		return nil, errors.WrapWithCode(
			&sshutil.ConnectError{Reason: sshutil.ReasonAuth, Address: target.Address(), Err: p.connectErr},
			errors.ErrConnect, fmt.Sprintf("Couldn't connect to '%s'", target.Host), "")
	}

	link := &FakeLink{
		id:       sshutil.NextLinkID(),
		provider: p,
		target:   target,
		closeErr: p.closeErr,
	}
	p.links = append(p.links, link)
	return link, nil
}

// Connects returns how many times Connect has been called.
func (p *FakeProvider) Connects() int {
	return int(p.connects.Load())
}

// Links returns every link created so far, in creation order.
func (p *FakeProvider) Links() []*FakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FakeLink, len(p.links))
	copy(out, p.links)
	return out
}

// Live returns the number of links not yet closed.
func (p *FakeProvider) Live() int {
	n := 0
	for _, l := range p.Links() {
		if !l.Closed() {
			n++
		}
	}
	return n
}

// SetConnectError makes every later Connect fail with err (nil clears it).
func (p *FakeProvider) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// SetCloseError makes links created afterwards return err from Close.
func (p *FakeProvider) SetCloseError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// SetCommandResponse registers a canned response for a command pattern.
// The pattern can be an exact string or a regex pattern.
func (p *FakeProvider) SetCommandResponse(pattern string, resp CommandResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands[pattern] = resp
}

// FS returns the fake filesystem for direct manipulation in tests.
func (p *FakeProvider) FS() *FakeFS {
	return p.fs
}

func (p *FakeProvider) lookup(cmd string) (CommandResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if resp, ok := p.commands[cmd]; ok {
		return resp, true
	}
	for pattern, resp := range p.commands {
		if matched, _ := regexp.MatchString(pattern, cmd); matched {
			return resp, true
		}
	}
	return CommandResponse{}, false
}

// FakeLink is one fake transport connection.
type FakeLink struct {
	id       uint64
	provider *FakeProvider
	target   sshutil.Target
	closeErr error

	closed   atomic.Bool
	channels atomic.Int64
	opened   atomic.Int64
}

func (l *FakeLink) ID() uint64 { return l.id }

// Target returns the target this link was connected to.
func (l *FakeLink) Target() sshutil.Target { return l.target }

func (l *FakeLink) Closed() bool { return l.closed.Load() }

// Close marks the link closed. It returns the provider's close error once.
func (l *FakeLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.closeErr
}

// Kill simulates the remote end dropping the connection.
func (l *FakeLink) Kill() {
	l.closed.Store(true)
}

// OpenChannels returns the number of channels currently open on the link.
func (l *FakeLink) OpenChannels() int { return int(l.channels.Load()) }

// ChannelsOpened returns how many channels were ever opened on the link.
func (l *FakeLink) ChannelsOpened() int { return int(l.opened.Load()) }

// OpenChannel starts kind on the link.
func (l *FakeLink) OpenChannel(kind sshutil.Kind) (sshutil.Channel, error) {
	if l.Closed() {
		return nil, errors.WrapWithCode(&sshutil.ChannelError{Kind: kind, Err: io.EOF}, errors.ErrChannel,
			fmt.Sprintf("Couldn't open %s", kind), "")
	}
	if kind.Type == sshutil.KindSubsystem && kind.Subsystem != "sftp" {
		return nil, errors.WrapWithCode(&sshutil.ChannelError{Kind: kind, Err: fmt.Errorf("unknown subsystem %q", kind.Subsystem)},
			errors.ErrChannel, fmt.Sprintf("Couldn't open %s", kind), "")
	}

	ch := &FakeChannel{link: l, done: make(chan struct{})}
	switch kind.Type {
	case sshutil.KindCommand:
		resp := l.provider.execute(kind.Command)
		ch.stdout = bytes.NewReader(resp.Stdout)
		ch.stderr = bytes.NewReader(resp.Stderr)
		ch.stdin = nopWriteCloser{io.Discard}
		ch.exitCode = resp.ExitCode
		ch.hold = resp.Hold
	default:
		// Shells and subsystems echo stdin until it is closed.
		pr, pw := io.Pipe()
		ch.stdin = pw
		ch.stdout = pr
		ch.stderr = bytes.NewReader(nil)
		ch.hold = ch.done
	}

	l.channels.Add(1)
	l.opened.Add(1)
	return ch, nil
}

// FakeChannel is a channel on a FakeLink.
type FakeChannel struct {
	link     *FakeLink
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	hold     <-chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (c *FakeChannel) Stdin() io.WriteCloser { return c.stdin }
func (c *FakeChannel) Stdout() io.Reader     { return c.stdout }
func (c *FakeChannel) Stderr() io.Reader     { return c.stderr }

// Wait returns the exit code once the command is released or the channel closed.
func (c *FakeChannel) Wait() (int, error) {
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-c.done:
		}
	}
	select {
	case <-c.done:
		if c.hold != nil && c.exitCode == 0 {
			return -1, nil
		}
	default:
	}
	return c.exitCode, nil
}

// Close closes the channel. A second Close returns io.EOF, like an ssh.Session.
func (c *FakeChannel) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.done)
		c.stdin.Close()
		c.link.channels.Add(-1)
	})
	if !closed {
		return io.EOF
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// execute runs cmd against the fake filesystem.
func (p *FakeProvider) execute(cmd string) CommandResponse {
	cmd = unwrapShell(cmd)
	if resp, ok := p.lookup(cmd); ok {
		return resp
	}

	cmd = strings.TrimSuffix(cmd, " 2>/dev/null")
	cmd = strings.TrimSpace(cmd)

	args, err := shellquote.Split(cmd)
	if err != nil || len(args) == 0 {
		return failure(2, "sh: syntax error\n")
	}

	switch args[0] {
	case "true":
		return CommandResponse{}
	case "false":
		return CommandResponse{ExitCode: 1}
	case "pwd":
		return CommandResponse{Stdout: []byte(p.Home + "\n")}
	case "echo":
		return CommandResponse{Stdout: []byte(strings.Join(args[1:], " ") + "\n")}
	case "mkdir":
		return p.mkdir(args[1:])
	case "cat":
		return p.cat(args[1:])
	case "rm":
		return p.rm(args[1:])
	case "ls":
		return p.ls(args[1:])
	case "grep":
		return p.grep(args[1:])
	case "test", "[":
		return p.test(args[1:])
	case "uname":
		return CommandResponse{Stdout: []byte("Linux\n")}
	}
	return failure(127, fmt.Sprintf("sh: %s: command not found\n", args[0]))
}

// unwrapShell strips the `sh -c 'cd <dir> && <cmd>'` wrapping hosts apply.
func unwrapShell(cmd string) string {
	if !strings.HasPrefix(cmd, "sh -c ") {
		return cmd
	}
	args, err := shellquote.Split(cmd)
	if err != nil || len(args) != 3 {
		return cmd
	}
	inner := args[2]
	if strings.HasPrefix(inner, "cd ") {
		if idx := strings.Index(inner, " && "); idx != -1 {
			inner = inner[idx+4:]
		}
	}
	return inner
}

func failure(code int, stderr string) CommandResponse {
	return CommandResponse{ExitCode: code, Stderr: []byte(stderr)}
}

func (p *FakeProvider) mkdir(args []string) CommandResponse {
	createParents := len(args) > 0 && args[0] == "-p"
	if createParents {
		args = args[1:]
	}
	if len(args) == 0 {
		return failure(1, "mkdir: missing operand\n")
	}
	for _, path := range args {
		if createParents {
			_ = p.fs.MkdirAll(path)
			continue
		}
		if parent := filepath.Dir(path); !p.fs.IsDir(parent) {
			return failure(1, fmt.Sprintf("mkdir: cannot create directory '%s': No such file or directory\n", path))
		}
		if err := p.fs.Mkdir(path); err != nil {
			return failure(1, fmt.Sprintf("mkdir: cannot create directory '%s': File exists\n", path))
		}
	}
	return CommandResponse{}
}

func (p *FakeProvider) cat(args []string) CommandResponse {
	var out bytes.Buffer
	for _, path := range args {
		content, err := p.fs.ReadFile(path)
		if err != nil {
			return CommandResponse{Stdout: out.Bytes(), ExitCode: 1,
				Stderr: []byte(fmt.Sprintf("cat: %s: No such file or directory\n", path))}
		}
		out.Write(content)
	}
	return CommandResponse{Stdout: out.Bytes()}
}

func (p *FakeProvider) rm(args []string) CommandResponse {
	for _, path := range args {
		if strings.HasPrefix(path, "-") {
			continue
		}
		_ = p.fs.Remove(path)
	}
	return CommandResponse{}
}

func (p *FakeProvider) ls(args []string) CommandResponse {
	var out, errOut bytes.Buffer
	code := 0
	for _, path := range args {
		if strings.HasPrefix(path, "-") {
			continue
		}
		if !p.fs.Exists(path) {
			fmt.Fprintf(&errOut, "ls: cannot access '%s': No such file or directory\n", path)
			code = 2
			continue
		}
		out.WriteString(path + "\n")
	}
	return CommandResponse{Stdout: out.Bytes(), Stderr: errOut.Bytes(), ExitCode: code}
}

func (p *FakeProvider) grep(args []string) CommandResponse {
	if len(args) < 2 {
		return failure(2, "Usage: grep PATTERN FILE\n")
	}
	pattern, path := args[0], args[1]
	content, err := p.fs.ReadFile(path)
	if err != nil {
		return failure(2, fmt.Sprintf("grep: %s: No such file or directory\n", path))
	}
	var out bytes.Buffer
	for _, line := range strings.SplitAfter(string(content), "\n") {
		if line != "" && strings.Contains(line, pattern) {
			out.WriteString(line)
		}
	}
	if out.Len() == 0 {
		return CommandResponse{ExitCode: 1}
	}
	return CommandResponse{Stdout: out.Bytes()}
}

func (p *FakeProvider) test(args []string) CommandResponse {
	if len(args) > 0 && args[len(args)-1] == "]" {
		args = args[:len(args)-1]
	}
	if len(args) != 2 {
		return failure(2, "test: unsupported expression\n")
	}
	var ok bool
	switch args[0] {
	case "-d":
		ok = p.fs.IsDir(args[1])
	case "-f":
		ok = p.fs.IsFile(args[1])
	case "-e":
		ok = p.fs.Exists(args[1])
	}
	if ok {
		return CommandResponse{}
	}
	return CommandResponse{ExitCode: 1}
}
