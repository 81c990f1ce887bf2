package memory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"
)

// TLSProvider keeps the listener certificate in process memory. A fresh
// process starts empty, so it is normally paired with auto-generation.
type TLSProvider struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	notAfter time.Time
}

func NewTLSProvider() *TLSProvider {
	return &TLSProvider{}
}

func (p *TLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, os.ErrNotExist
	}
	return p.cert, nil
}

func (p *TLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse x509 key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = &cert
	p.notAfter = leaf.NotAfter
	return nil
}

// NotAfter is the expiry of the stored certificate, zero if none.
func (p *TLSProvider) NotAfter() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notAfter
}
