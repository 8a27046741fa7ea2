package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"mopplane/pkg/mop"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds configuration for the SSH transport.
type SSHConfig struct {
	ConnectTimeout time.Duration // Dial and handshake limit per attempt (default: 10s)
	ConnectRetries int           // Dial attempts before giving up (default: 3)
	RetryDelay     time.Duration // Initial delay between attempts (default: 500ms)
	KnownHostsFile string        // Empty accepts any host key
}

// SSHConnector implements Connector over SSH.
type SSHConnector struct {
	config          SSHConfig
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHConnector creates an SSH connector.
func NewSSHConnector(cfg SSHConfig) (*SSHConnector, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		callback = cb
	} else {
		log.Println("SSH host key verification disabled (no known_hosts file configured)")
	}

	return &SSHConnector{config: cfg, hostKeyCallback: callback}, nil
}

// Connect dials the server and authenticates with the admin credential.
func (c *SSHConnector) Connect(ctx context.Context, server mop.Server) (Session, error) {
	auth, err := authMethods(server.Admin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, server.Address(), err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            server.Admin.Username,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.config.ConnectTimeout,
	}

	var client *ssh.Client
	err = retry.Do(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cl, err := c.dial(ctx, server.Address(), clientConfig)
		if err != nil {
			return err
		}
		client = cl
		return nil
	}, retry.Attempts(uint(c.config.ConnectRetries)), retry.Delay(c.config.RetryDelay), retry.MaxDelay(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, server.Address(), err)
	}

	return &SSHSession{client: client, server: server}, nil
}

func (c *SSHConnector) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake; the deadline is cleared once the client is up.
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(cred mop.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cred.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key for %s: %w", cred.Username, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, errors.New("no password or private key for " + cred.Username)
	}
	return methods, nil
}

// SSHSession is one authenticated SSH connection. Each command runs in its own channel.
type SSHSession struct {
	client *ssh.Client
	server mop.Server
}

// Execute runs command, escalated when the server carries a root credential.
func (s *SSHSession) Execute(ctx context.Context, command string, timeout time.Duration) (ExitResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return ExitResult{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer sess.Close()

	esc := escalate(s.server, command)

	var stdout, stderr bytes.Buffer
	sess.Stderr = &stderr
	if esc.pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 80, 200, modes); err != nil {
			return ExitResult{}, fmt.Errorf("failed to allocate pty: %w", err)
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			return ExitResult{}, fmt.Errorf("failed to open stdin: %w", err)
		}
		sess.Stdout = &promptWriter{buf: &stdout, stdin: stdin, password: esc.password}
	} else {
		sess.Stdout = &stdout
		if esc.password != "" {
			sess.Stdin = strings.NewReader(esc.password + "\n")
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(esc.command)
	}()

	select {
	case err := <-done:
		res := ExitResult{
			Stdout: limitOutput(stdout.Bytes(), maxOutputSize),
			Stderr: limitOutput(stderr.Bytes(), maxOutputSize),
		}
		if esc.pty {
			res.Stdout = stripPrompt(res.Stdout)
		}
		if err == nil {
			return res, nil
		}

		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		if errors.Is(err, io.EOF) {
			return res, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return res, fmt.Errorf("command failed: %w", err)

	case <-execCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return ExitResult{ExitCode: -1}, timeoutError(timeout)
		}
		return ExitResult{ExitCode: -1}, execCtx.Err()
	}
}

// Close closes the SSH connection.
func (s *SSHSession) Close() error {
	return s.client.Close()
}

// promptWriter captures PTY output and answers the first password prompt.
type promptWriter struct {
	mu       sync.Mutex
	buf      *bytes.Buffer
	stdin    io.WriteCloser
	password string
	answered bool
}

func (w *promptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.buf.Write(p)
	if !w.answered && bytes.Contains(w.buf.Bytes(), []byte("assword:")) {
		w.answered = true
		go func(stdin io.Writer, password string) {
			_, _ = io.WriteString(stdin, password+"\n")
		}(w.stdin, w.password)
	}
	return n, err
}
