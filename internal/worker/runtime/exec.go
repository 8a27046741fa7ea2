package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"mopplane/pkg/mop"
)

// LocalConnector implements Connector using processes on the engine host.
// This is primarily used for development and testing.
type LocalConnector struct {
	// Shell runs each command with -c (default: /bin/sh)
	Shell string
}

// NewLocalConnector creates a process-based connector.
func NewLocalConnector() *LocalConnector {
	return &LocalConnector{Shell: "/bin/sh"}
}

// Connect always succeeds; there is nothing to dial.
func (l *LocalConnector) Connect(ctx context.Context, server mop.Server) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &LocalSession{shell: shell}, nil
}

// LocalSession runs commands as child processes.
type LocalSession struct {
	shell string
}

// Execute runs command with the configured shell.
func (s *LocalSession) Execute(ctx context.Context, command string, timeout time.Duration) (ExitResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, s.shell, "-c", command)
	// Own process group so a timeout also kills children of the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExitResult{
		Stdout: limitOutput(stdout.Bytes(), maxOutputSize),
		Stderr: limitOutput(stderr.Bytes(), maxOutputSize),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ExitResult{ExitCode: -1}, timeoutError(timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run command: %w", err)
	}
	return res, nil
}

// Close is a no-op.
func (s *LocalSession) Close() error {
	return nil
}
