package factory

import (
	"context"
	"fmt"
	"os"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/config"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/discovery/memory"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// ResolverFactory creates the proxy target resolver based on configuration
type ResolverFactory struct {
	cfg *config.Config
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config) *ResolverFactory {
	return &ResolverFactory{cfg: cfg}
}

// Create returns the address cache used by the proxy handlers. In
// kubernetes discovery mode it also returns the clientset, which the TLS
// factory reuses for Secret storage.
func (f *ResolverFactory) Create(ctx context.Context) (core.HostResolver, k8s.Interface, error) {
	static, err := memory.ParseStaticHosts(f.cfg.StaticHosts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse STATIC_HOSTS: %w", err)
	}

	var next core.HostResolver
	var clientset k8s.Interface
	switch f.cfg.DiscoveryMode {
	case config.DiscoveryStatic:
	case config.DiscoveryKubernetes:
		clientset, err = f.createClientset()
		if err != nil {
			return nil, nil, err
		}
		services, err := kubernetes.NewServiceResolver(ctx, clientset)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start service resolver: %w", err)
		}
		next = services
	default:
		return nil, nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}

	logger.Info("Creating address cache",
		"discovery", f.cfg.DiscoveryMode,
		"static_hosts", len(static),
		"ttl", f.cfg.AddressCacheTTL)
	return memory.NewAddressCache(f.cfg.AddressCacheTTL, static, next), clientset, nil
}

func (f *ResolverFactory) createClientset() (k8s.Interface, error) {
	logger.Info("Creating Kubernetes client",
		"runtime", f.cfg.Runtime,
		"kubeconfig", f.cfg.KubeConfigPath,
		"context", f.cfg.KubeContext)

	kubeconfig := f.cfg.KubeConfigPath

	// For non-Kubernetes runtime, kubeconfig is required
	if f.cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = home + "/.kube/config"
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if f.cfg.KubeContext != "" {
		configOverrides.CurrentContext = f.cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", f.cfg.KubeContext)
	}

	var restConfig *rest.Config
	var err error

	// Try kubeconfig first (for VM/Container runtime or explicit config)
	if kubeconfig != "" {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()
		if err != nil {
			logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
		}
	}

	// Fallback to in-cluster config (for Kubernetes runtime)
	if restConfig == nil {
		logger.Info("Attempting in-cluster Kubernetes configuration")
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}
