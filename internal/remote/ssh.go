package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config controls how SSH connections are made.
type Config struct {
	ConnectTimeout time.Duration
	// IdleTimeout bounds how long a command may go without producing data.
	// Zero disables the check.
	IdleTimeout     time.Duration
	KnownHostsFile  string
	InsecureHostKey bool
}

// DefaultConfig returns the default SSH settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    15 * time.Minute,
	}
}

// SSHExecutor implements Executor over a pool of SSH clients, one per server.
type SSHExecutor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*ssh.Client
}

// NewSSHExecutor creates a new SSHExecutor.
func NewSSHExecutor(cfg Config, logger zerolog.Logger) *SSHExecutor {
	return &SSHExecutor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ssh_executor").Logger(),
		clients: make(map[uuid.UUID]*ssh.Client),
	}
}

// Execute runs command on srv and captures its output.
func (e *SSHExecutor) Execute(ctx context.Context, srv *models.Server, command string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	err := e.run(ctx, srv, command, nil, &stdout, &stderr, nil)

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		res.ExitCode = cmdErr.ExitCode
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stream runs command on srv, copying stdout to w as it arrives.
func (e *SSHExecutor) Stream(ctx context.Context, srv *models.Server, command string, w io.Writer) error {
	var stderr bytes.Buffer
	return e.run(ctx, srv, command, nil, w, &stderr, nil)
}

// Upload streams localPath into remotePath through a remote cat.
func (e *SSHExecutor) Upload(ctx context.Context, srv *models.Server, localPath, remotePath string, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	e.logger.Debug().
		Str("server", srv.Name).
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading file")

	var stderr bytes.Buffer
	command := "cat > " + Quote(remotePath)
	if err := e.run(ctx, srv, command, f, io.Discard, &stderr, progress); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return nil
}

// Download streams remotePath into localPath through a remote cat.
// A partial local file is removed on failure.
func (e *SSHExecutor) Download(ctx context.Context, srv *models.Server, remotePath, localPath string, progress ProgressFunc) error {
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}

	e.logger.Debug().
		Str("server", srv.Name).
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("downloading file")

	var stderr bytes.Buffer
	runErr := e.run(ctx, srv, "cat "+Quote(remotePath), nil, f, &stderr, progress)
	closeErr := f.Close()
	if runErr == nil && closeErr != nil {
		runErr = fmt.Errorf("close %s: %w", localPath, closeErr)
	}
	if runErr != nil {
		os.Remove(localPath)
		return fmt.Errorf("download %s: %w", remotePath, runErr)
	}
	return nil
}

// Close closes every pooled connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, c := range e.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.clients, id)
	}
	return firstErr
}

// run executes one command in a fresh session on the pooled client.
// When progress is set it reports bytes flowing through stdin or stdout,
// whichever carries the payload.
func (e *SSHExecutor) run(ctx context.Context, srv *models.Server, command string, stdin io.Reader, stdout, stderr io.Writer, progress ProgressFunc) error {
	client, err := e.client(ctx, srv)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		e.evict(srv.ID, client)
		return &ConnectionError{Addr: srv.Address(), Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	wd := newWatchdog(e.cfg.IdleTimeout, func() { session.Close() })
	defer wd.stop()

	if stdin != nil {
		session.Stdin = &activityReader{r: stdin, wd: wd, progress: progress}
		session.Stdout = &activityWriter{w: stdout, wd: wd}
	} else {
		session.Stdout = &activityWriter{w: stdout, wd: wd, progress: progress}
	}
	cmdStderr := &bytes.Buffer{}
	session.Stderr = &activityWriter{w: io.MultiWriter(stderr, cmdStderr), wd: wd}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	e.logger.Debug().Str("server", srv.Name).Str("command", command).Msg("executing remote command")

	err = session.Run(command)
	if wd.timedOut() {
		return &TimeoutError{Addr: srv.Address(), Idle: e.cfg.IdleTimeout}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == nil {
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Command: command, ExitCode: exitErr.ExitStatus(), Stderr: cmdStderr.String()}
	}

	// Anything else means the transport broke under us.
	e.evict(srv.ID, client)
	return &ConnectionError{Addr: srv.Address(), Err: err}
}

// client returns the pooled client for srv, dialing a new one if needed.
func (e *SSHExecutor) client(ctx context.Context, srv *models.Server) (*ssh.Client, error) {
	e.mu.Lock()
	if c, ok := e.clients[srv.ID]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.dial(ctx, srv)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[srv.ID]; ok {
		c.Close()
		return existing, nil
	}
	e.clients[srv.ID] = c
	return c, nil
}

func (e *SSHExecutor) evict(id uuid.UUID, c *ssh.Client) {
	e.mu.Lock()
	if cur, ok := e.clients[id]; ok && cur == c {
		delete(e.clients, id)
	}
	e.mu.Unlock()
	c.Close()
}

func (e *SSHExecutor) dial(ctx context.Context, srv *models.Server) (*ssh.Client, error) {
	addr := srv.Address()

	authMethods, err := authMethods(srv)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	hostKeyCallback, err := e.hostKeyCallback(srv)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            srv.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("failed to connect: %w", err)}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("SSH handshake failed: %w", err)}
	}

	e.logger.Info().Str("server", srv.Name).Str("addr", addr).Msg("ssh connection established")
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(srv *models.Server) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if srv.PrivateKeyPath != "" {
		pem, err := os.ReadFile(srv.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		methods = append(methods, ssh.Password(srv.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no credentials configured")
	}
	return methods, nil
}

// hostKeyCallback picks host key verification for srv.
// Priority: pinned HostKey > known_hosts file > insecure when enabled.
func (e *SSHExecutor) hostKeyCallback(srv *models.Server) (ssh.HostKeyCallback, error) {
	if srv.HostKey != "" {
		hostKeyBytes, err := base64.StdEncoding.DecodeString(srv.HostKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode host key: %w", err)
		}
		expectedKey, err := ssh.ParsePublicKey(hostKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(expectedKey), nil
	}

	if e.cfg.KnownHostsFile != "" {
		if _, err := os.Stat(e.cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("known_hosts file not found: %w", err)
		}
		callback, err := knownhosts.New(e.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to parse known_hosts: %w", err)
		}
		return callback, nil
	}

	if e.cfg.InsecureHostKey {
		e.logger.Warn().Str("server", srv.Name).Msg("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	return nil, errors.New("host key verification required; set a host key or known_hosts file")
}
