package sshserver

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"github.com/rileyhilliard/sshutil/internal/exec"
	"golang.org/x/crypto/ssh"
)

// exitCannotRun is reported when a command could not be started at all.
const exitCannotRun = 255

// session state collected from requests sent before the command starts.
type sessionEnv struct {
	env []string
	pty bool
}

// handleSession serves one "session" channel until its command, shell or
// subsystem finishes. Requests that arrive once it is running are discarded.
func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var se sessionEnv
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err != nil {
				reply(req, false)
				continue
			}
			se.env = append(se.env, kv.Name+"="+kv.Value)
			reply(req, true)

		case "pty-req":
			// No terminal is allocated; output stays a plain stream.
			se.pty = true
			reply(req, true)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			s.serveRunning(ch, reqs, func() int { return s.runCommand(ch, payload.Command, se) })
			return

		case "shell":
			reply(req, true)
			s.serveRunning(ch, reqs, func() int { return s.runShell(ch, se) })
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				s.log.Debug("rejecting subsystem %q", payload.Name)
				reply(req, false)
				continue
			}
			reply(req, true)
			s.serveRunning(ch, reqs, func() int { return s.serveSFTP(ch) })
			return

		default:
			reply(req, false)
		}
	}
}

// serveRunning runs fn while discarding further channel requests, then
// reports fn's exit status to the client.
func (s *Server) serveRunning(ch ssh.Channel, reqs <-chan *ssh.Request, fn func() int) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ssh.DiscardRequests(reqs)
	}()

	code := fn()
	sendExitStatus(ch, code)
	_ = ch.CloseWrite()
	_ = ch.Close()
	wg.Wait()
}

func (s *Server) runCommand(ch ssh.Channel, command string, se sessionEnv) int {
	s.log.Debug("exec %q", command)
	code, err := exec.Run(s.ctx, exec.Command{
		Line:   command,
		Shell:  s.opts.Shell,
		Dir:    s.opts.Dir,
		Env:    se.env,
		Stdin:  ch,
		Stdout: ch,
		Stderr: ch.Stderr(),
	})
	if err != nil {
		s.log.Debug("exec %q: %v", command, err)
		fmt.Fprintf(ch.Stderr(), "sshutil: %v\n", firstLine(err))
		return exitCannotRun
	}
	return code
}

// runShell runs the login shell reading commands from the channel.
func (s *Server) runShell(ch ssh.Channel, se sessionEnv) int {
	shell := exec.DefaultShell()
	line := "exec " + shellquote.Join(shell)
	if se.pty {
		line += " -i"
	}
	s.log.Debug("shell %s", shell)
	code, err := exec.Run(s.ctx, exec.Command{
		Line:   line,
		Shell:  "/bin/sh",
		Dir:    s.opts.Dir,
		Env:    se.env,
		Stdin:  ch,
		Stdout: ch,
		Stderr: ch.Stderr(),
	})
	if err != nil {
		s.log.Debug("shell: %v", err)
		return exitCannotRun
	}
	return code
}

func (s *Server) serveSFTP(ch ssh.Channel) int {
	server, err := sftp.NewServer(ch)
	if err != nil {
		s.log.Debug("sftp: %v", err)
		return exitCannotRun
	}
	defer server.Close()

	if err := server.Serve(); err != nil && err != io.EOF {
		s.log.Debug("sftp: %v", err)
		return 1
	}
	return 0
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	payload := ssh.Marshal(struct{ Status uint32 }{uint32(code)})
	_, _ = ch.SendRequest("exit-status", false, payload)
}

func firstLine(err error) string {
	msg := strings.TrimPrefix(strings.TrimSpace(err.Error()), "✗ ")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
