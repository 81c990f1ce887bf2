package kubernetes

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/cache"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/utils"
)

func service(ns, name, clusterIP string, ports ...int32) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       corev1.ServiceSpec{ClusterIP: clusterIP},
	}
	for _, p := range ports {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{Port: p})
	}
	return svc
}

func TestServiceKey(t *testing.T) {
	tests := []struct {
		host string
		key  string
		ok   bool
	}{
		{"web.default.svc", "default/web", true},
		{"web.default.svc.cluster.local", "default/web", true},
		{"web.default.svc.cluster.local.", "default/web", true},
		{"web.default", "", false},
		{"example.com", "", false},
		{".default.svc", "", false},
		{"a.b.web.default.svc", "", false},
	}
	for _, tt := range tests {
		key, ok := ServiceKey(tt.host)
		if key != tt.key || ok != tt.ok {
			t.Errorf("%s: got (%q, %v) want (%q, %v)", tt.host, key, ok, tt.key, tt.ok)
		}
	}
}

func TestServiceResolver_Resolve(t *testing.T) {
	store := cache.NewStore(cache.MetaNamespaceKeyFunc)
	store.Add(service("default", "web", "10.0.0.7", 80, 8080))
	store.Add(service("default", "headless", corev1.ClusterIPNone, 80))
	r := newServiceResolver(store)
	ctx := context.Background()

	addr, err := r.Resolve(ctx, "web.default.svc.cluster.local", 8080)
	if err != nil || addr != "10.0.0.7:8080" {
		t.Fatalf("got (%q, %v)", addr, err)
	}

	if _, err := r.Resolve(ctx, "example.com", 80); !errors.Is(err, core.ErrHostNotFound) {
		t.Fatalf("foreign name: %v", err)
	}

	for _, tt := range []struct {
		host string
		port int
	}{
		{"web.default.svc", 443},
		{"missing.default.svc", 80},
		{"headless.default.svc", 80},
	} {
		_, err := r.Resolve(ctx, tt.host, tt.port)
		if err == nil || errors.Is(err, core.ErrHostNotFound) {
			t.Errorf("%s:%d: got %v", tt.host, tt.port, err)
		}
	}
}

func TestNewServiceResolver_Syncs(t *testing.T) {
	clientset := fake.NewSimpleClientset(service("apps", "api", "10.1.2.3", 443))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := NewServiceResolver(ctx, clientset)
	if err != nil {
		t.Fatalf("NewServiceResolver: %v", err)
	}
	addr, err := r.Resolve(ctx, "api.apps.svc", 443)
	if err != nil || addr != "10.1.2.3:443" {
		t.Fatalf("got (%q, %v)", addr, err)
	}
}

func TestSecretTLSProvider_StoreAndGet(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	p := NewSecretTLSProvider(clientset, "default", "dynamo-tls")
	ctx := context.Background()

	if _, err := p.GetCertificate(ctx); err == nil {
		t.Fatal("expected error before Store")
	}

	certPEM, keyPEM, err := utils.GenerateSelfSignedCert("dynamo.local")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if err := p.Store(ctx, certPEM, keyPEM); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// a second replica storing again updates instead of failing
	if err := p.Store(ctx, certPEM, keyPEM); err != nil {
		t.Fatalf("Store again: %v", err)
	}

	cert, err := p.GetCertificate(ctx)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("empty certificate chain")
	}

	secret, err := clientset.CoreV1().Secrets("default").Get(ctx, "dynamo-tls", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get secret: %v", err)
	}
	if secret.Type != corev1.SecretTypeTLS {
		t.Fatalf("type=%q", secret.Type)
	}
}
