package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"mopplane/pkg/mop"
)

// Mux routes each server to the connector registered for its transport.
// Servers without a transport use SSH.
type Mux struct {
	connectors map[mop.Transport]Connector
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{connectors: make(map[mop.Transport]Connector)}
}

// Register sets the connector for a transport. It is not safe to call
// concurrently with Connect.
func (m *Mux) Register(transport mop.Transport, c Connector) {
	m.connectors[transport] = c
}

// Connect implements Connector.
func (m *Mux) Connect(ctx context.Context, server mop.Server) (Session, error) {
	transport := server.Transport
	if transport == "" {
		transport = mop.TransportSSH
	}
	c, ok := m.connectors[transport]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrConnection, ErrUnsupportedTransport, transport)
	}
	return c.Connect(ctx, server)
}

// NewDefaultMux registers every built-in transport. Docker and Kubernetes are
// optional: when their client cannot be created the transport is left out and
// servers using it fail to connect.
func NewDefaultMux(sshCfg SSHConfig, k8sCfg KubernetesConfig, log *slog.Logger) (*Mux, error) {
	if log == nil {
		log = slog.Default()
	}
	m := NewMux()

	sshConn, err := NewSSHConnector(sshCfg)
	if err != nil {
		return nil, err
	}
	m.Register(mop.TransportSSH, sshConn)
	m.Register(mop.TransportLocal, NewLocalConnector())

	if dockerConn, err := NewDockerConnector(); err != nil {
		log.Warn("docker transport disabled", "error", err)
	} else {
		m.Register(mop.TransportDocker, dockerConn)
	}

	if k8sConn, err := NewKubernetesConnector(k8sCfg); err != nil {
		log.Warn("kubernetes transport disabled", "error", err)
	} else {
		m.Register(mop.TransportKubernetes, k8sConn)
	}

	return m, nil
}
