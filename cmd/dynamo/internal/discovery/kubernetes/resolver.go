package kubernetes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const clusterDomain = "cluster.local"

// ServiceResolver resolves in-cluster service names
// ("<svc>.<ns>.svc" or "<svc>.<ns>.svc.cluster.local") to the service's
// cluster IP from an informer cache, without a DNS round trip.
type ServiceResolver struct {
	store cache.Store
}

// NewServiceResolver starts a Service informer and waits for its first
// sync. The informer stops when ctx is done.
func NewServiceResolver(ctx context.Context, clientset kubernetes.Interface) (*ServiceResolver, error) {
	factory := informers.NewSharedInformerFactory(clientset, 10*time.Minute)
	serviceInformer := factory.Core().V1().Services().Informer()

	factory.Start(ctx.Done())
	for typ, ok := range factory.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return nil, fmt.Errorf("informer cache for %v did not sync", typ)
		}
	}
	logger.Info("Kubernetes service cache synced", "services", len(serviceInformer.GetStore().ListKeys()))

	return newServiceResolver(serviceInformer.GetStore()), nil
}

func newServiceResolver(store cache.Store) *ServiceResolver {
	return &ServiceResolver{store: store}
}

// ServiceKey extracts the "<ns>/<svc>" store key from a cluster service
// host name.
func ServiceKey(host string) (string, bool) {
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimSuffix(host, "."+clusterDomain)
	parts := strings.Split(host, ".")
	if len(parts) != 3 || parts[2] != "svc" || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[1] + "/" + parts[0], true
}

// Resolve implements core.HostResolver. Names outside the cluster domain
// yield core.ErrHostNotFound so a chained resolver can try elsewhere.
func (r *ServiceResolver) Resolve(ctx context.Context, host string, port int) (string, error) {
	key, ok := ServiceKey(host)
	if !ok {
		return "", core.ErrHostNotFound
	}

	obj, exists, err := r.store.GetByKey(key)
	if err != nil {
		return "", fmt.Errorf("service cache lookup %s: %w", key, err)
	}
	if !exists {
		return "", fmt.Errorf("service %s not found", key)
	}
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return "", fmt.Errorf("unexpected object for %s: %T", key, obj)
	}

	ip := svc.Spec.ClusterIP
	if ip == "" || ip == corev1.ClusterIPNone {
		return "", fmt.Errorf("service %s has no cluster IP", key)
	}
	for _, p := range svc.Spec.Ports {
		if int(p.Port) == port {
			return net.JoinHostPort(ip, strconv.Itoa(port)), nil
		}
	}
	return "", fmt.Errorf("service %s does not expose port %d", key, port)
}
