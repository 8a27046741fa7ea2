package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mopplane/pkg/mop"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// KubernetesConfig holds configuration for the Kubernetes transport.
type KubernetesConfig struct {
	// Kubeconfig path; empty tries in-cluster config, then ~/.kube/config
	Kubeconfig string
	// Namespace used when the server host does not name one
	Namespace string
}

// KubernetesConnector implements Connector by exec-ing into pods.
// The server host has the form [namespace/]pod[:container].
type KubernetesConnector struct {
	clientset   kubernetes.Interface
	restClient  rest.Interface
	restConfig  *rest.Config
	namespace   string
	newExecutor func(config *rest.Config, method string, u *url.URL) (remotecommand.Executor, error)
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesConnector creates a pod exec connector.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesConnector(cfg KubernetesConfig) (*KubernetesConnector, error) {
	var config *rest.Config
	var err error
	if cfg.Kubeconfig == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			log.Printf("In-cluster config not available, trying kubeconfig: %v", err)
			cfg.Kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
	}
	if config == nil {
		config, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
		log.Printf("Using kubeconfig: %s", cfg.Kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	return &KubernetesConnector{
		clientset:   clientset,
		restClient:  clientset.CoreV1().RESTClient(),
		restConfig:  config,
		namespace:   cfg.Namespace,
		newExecutor: remotecommand.NewSPDYExecutor,
	}, nil
}

// podTarget identifies a container in a pod.
type podTarget struct {
	namespace string
	pod       string
	container string
}

// parseTarget splits a host of the form [namespace/]pod[:container].
func parseTarget(host, defaultNamespace string) (podTarget, error) {
	t := podTarget{namespace: defaultNamespace}
	remainder := host
	if ns, p, ok := strings.Cut(remainder, "/"); ok {
		t.namespace = ns
		remainder = p
	}
	t.pod, t.container, _ = strings.Cut(remainder, ":")
	if t.pod == "" || t.namespace == "" {
		return podTarget{}, fmt.Errorf("invalid pod target %q", host)
	}
	return t, nil
}

// Connect resolves the pod and checks that it is running.
func (k *KubernetesConnector) Connect(ctx context.Context, server mop.Server) (Session, error) {
	target, err := parseTarget(server.Host, k.namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	pod, err := k.clientset.CoreV1().Pods(target.namespace).Get(ctx, target.pod, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: pod %s/%s: %v", ErrConnection, target.namespace, target.pod, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("%w: pod %s/%s is %s", ErrConnection, target.namespace, target.pod, pod.Status.Phase)
	}
	if target.container == "" && len(pod.Spec.Containers) > 0 {
		target.container = pod.Spec.Containers[0].Name
	}

	return &KubernetesSession{connector: k, target: target}, nil
}

// KubernetesSession runs commands in one pod container.
type KubernetesSession struct {
	connector *KubernetesConnector
	target    podTarget
}

// Execute runs command through sh -c in the container.
func (s *KubernetesSession) Execute(ctx context.Context, command string, timeout time.Duration) (ExitResult, error) {
	req := s.connector.restClient.Post().
		Resource("pods").
		Namespace(s.target.namespace).
		Name(s.target.pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: s.target.container,
			Command:   []string{"sh", "-c", command},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := s.connector.newExecutor(s.connector.restConfig, "POST", req.URL())
	if err != nil {
		return ExitResult{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(execCtx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	res := ExitResult{
		Stdout: limitOutput(stdout.Bytes(), maxOutputSize),
		Stderr: limitOutput(stderr.Bytes(), maxOutputSize),
	}
	if err == nil {
		return res, nil
	}

	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ExitResult{ExitCode: -1}, timeoutError(timeout)
	}
	return res, fmt.Errorf("pod exec failed: %w", err)
}

// Close is a no-op; the clientset is shared by all sessions.
func (s *KubernetesSession) Close() error {
	return nil
}
