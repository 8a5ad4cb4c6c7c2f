// Package remotetest provides an in-process SSH server for tests. Exec
// requests run through a Handler, by default a local POSIX shell.
package remotetest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Handler runs one command and returns its exit status.
type Handler func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int

// Server is a test SSH server listening on 127.0.0.1.
type Server struct {
	User     string
	Password string
	HostKey  string // base64 public key

	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	handler  Handler
	commands []string
	conns    int
}

// Start starts a server that accepts user/password and runs commands with
// ShellHandler. It is closed when the test ends.
func Start(t *testing.T, user, password string) *Server {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	s := &Server{
		User:     user,
		Password: password,
		HostKey:  base64.StdEncoding.EncodeToString(signer.PublicKey().Marshal()),
		handler:  ShellHandler(nil),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	s.config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s.listener = listener
	t.Cleanup(func() { listener.Close() })

	go s.serve()
	return s
}

// SetHandler replaces the command handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Commands returns every command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns how many SSH connections have been accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Model returns a server record pointing at this server with its host key pinned.
func (s *Server) Model() *models.Server {
	host, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return &models.Server{
		ID:       uuid.New(),
		Name:     "test-" + portStr,
		Host:     host,
		Port:     port,
		User:     s.User,
		Password: s.Password,
		HostKey:  s.HostKey,
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

type exitStatusMsg struct {
	Status uint32
}

type execMsg struct {
	Command string
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var msg execMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, msg.Command)
		h := s.handler
		s.mu.Unlock()

		// Drain further requests so the client can close the channel mid-run.
		go func() {
			for r := range reqs {
				if r.WantReply {
					r.Reply(false, nil)
				}
			}
			cancel()
		}()

		status := h(ctx, msg.Command, ch, ch, ch.Stderr())
		ch.CloseWrite()
		ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status)}))
		return
	}
}

// ShellHandler runs commands with sh -c on the local machine. extraEnv is
// appended to the process environment, which lets tests put fake binaries
// on PATH.
func ShellHandler(extraEnv []string) Handler {
	return func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Env = append(os.Environ(), extraEnv...)
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err := cmd.Run()
		if err == nil {
			return 0
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(stderr, "%v\n", err)
		return 255
	}
}
