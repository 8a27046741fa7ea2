package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"mopplane/pkg/mop"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// dockerAPI is the subset of the Docker client the connector uses.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerConnector implements Connector by running commands with docker exec.
// The server host names the container.
type DockerConnector struct {
	client dockerAPI
}

// NewDockerConnector creates a connector from the standard environment (DOCKER_HOST, etc.).
func NewDockerConnector() (*DockerConnector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerConnector{client: cli}, nil
}

// Connect checks that the container exists and is running.
func (d *DockerConnector) Connect(ctx context.Context, server mop.Server) (Session, error) {
	info, err := d.client.ContainerInspect(ctx, server.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: container %s: %v", ErrConnection, server.Host, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("%w: container %s is not running", ErrConnection, server.Host)
	}

	return &DockerSession{client: d.client, containerID: info.ID, server: server}, nil
}

// DockerSession runs commands in one container.
type DockerSession struct {
	client      dockerAPI
	containerID string
	server      mop.Server
}

// Execute runs command through sh -c inside the container.
func (s *DockerSession) Execute(ctx context.Context, command string, timeout time.Duration) (ExitResult, error) {
	// The root credential maps to the exec user; no password exchange is needed.
	user := s.server.Admin.Username
	if s.server.Root != nil && s.server.Escalation != mop.EscalationNone {
		user = s.server.Root.Username
		if user == "" {
			user = "root"
		}
	}

	exec, err := s.client.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		User:         user,
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExitResult{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	resp, err := s.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExitResult{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return ExitResult{ExitCode: -1}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-timer.C:
		resp.Close()
		return ExitResult{ExitCode: -1}, timeoutError(timeout)
	case <-ctx.Done():
		resp.Close()
		return ExitResult{ExitCode: -1}, ctx.Err()
	}

	inspect, err := s.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExitResult{ExitCode: -1}, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.Running {
		return ExitResult{ExitCode: -1}, errors.New("exec still running after output closed")
	}

	return ExitResult{
		Stdout:   limitOutput(stdout.Bytes(), maxOutputSize),
		Stderr:   limitOutput(stderr.Bytes(), maxOutputSize),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Close is a no-op; the Docker client is shared by all sessions.
func (s *DockerSession) Close() error {
	return nil
}
