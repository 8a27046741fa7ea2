// Package runtime provides the transports the engine uses to run commands on target servers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mopplane/pkg/mop"
)

var (
	// ErrConnection means a session to the server could not be opened.
	ErrConnection = errors.New("connection failed")

	// ErrConnectionLost means an open session became unusable; no further command can run.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCommandTimeout means a single command exceeded its timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrUnsupportedTransport means no connector is registered for the server's transport.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// Connector opens sessions to servers.
// Implementations include SSH, Docker exec, Kubernetes exec and local processes.
type Connector interface {
	// Connect opens an authenticated session to one server.
	// Errors wrap ErrConnection.
	Connect(ctx context.Context, server mop.Server) (Session, error)
}

// Session runs commands on one connected server. A session belongs to a single
// runner and is never shared across servers or jobs.
type Session interface {
	// Execute runs one command and waits for it, bounded by timeout.
	// A non-zero exit code is not an error. Errors wrap ErrCommandTimeout,
	// ErrConnectionLost, or describe an execution failure.
	Execute(ctx context.Context, command string, timeout time.Duration) (ExitResult, error)

	// Close releases the connection.
	Close() error
}

// ExitResult is the outcome of one command.
type ExitResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// maxOutputSize caps the captured size of each output stream.
const maxOutputSize = 1 << 20

// limitOutput truncates output if it exceeds maxSize.
func limitOutput(data []byte, maxSize int) string {
	if len(data) > maxSize {
		return string(data[:maxSize]) + "\n[output truncated]"
	}
	return string(data)
}

// timeoutError wraps ErrCommandTimeout with the elapsed limit.
func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escalation describes how a command is wrapped to run with the root credential.
type escalation struct {
	command  string
	password string
	pty      bool
}

// escalate wraps command for the server's root credential, if any.
func escalate(server mop.Server, command string) escalation {
	if server.Root == nil || server.Escalation == mop.EscalationNone {
		return escalation{command: command}
	}

	user := server.Root.Username
	if user == "" {
		user = "root"
	}
	if server.Escalation == mop.EscalationSudo {
		return escalation{
			command:  "sudo -S -p '' -u " + shellQuote(user) + " sh -c " + shellQuote(command),
			password: server.Root.Password,
		}
	}
	return escalation{
		command:  "su - " + shellQuote(user) + " -c " + shellQuote(command),
		password: server.Root.Password,
		pty:      true,
	}
}

// stripPrompt removes the su password prompt and PTY line endings from output.
func stripPrompt(out string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	first, rest, found := strings.Cut(out, "\n")
	if strings.Contains(first, "assword:") {
		if !found {
			return strings.TrimSpace(first[strings.Index(first, "assword:")+len("assword:"):])
		}
		return rest
	}
	return out
}
