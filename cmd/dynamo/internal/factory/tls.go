package factory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/config"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/discovery/memory"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/storage/filesystem"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/utils"
)

// TLSFactory creates the certificate source for the TLS listener
type TLSFactory struct {
	cfg *config.Config
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(cfg *config.Config) *TLSFactory {
	return &TLSFactory{cfg: cfg}
}

// Create creates a TLS provider based on configuration
func (f *TLSFactory) Create(ctx context.Context, clientset k8s.Interface) (core.TLSProvider, error) {
	switch f.cfg.TLSMode {
	case config.TLSModeFile:
		logger.Info("Creating File-based TLS Provider",
			"cert", f.cfg.TLSCertFile,
			"key", f.cfg.TLSKeyFile)
		return filesystem.NewFileTLSProvider(f.cfg.TLSCertFile, f.cfg.TLSKeyFile), nil
	case config.TLSModeKubernetes:
		if clientset == nil {
			return nil, fmt.Errorf("kubernetes TLS mode requires kubernetes client (use DISCOVERY_MODE=kubernetes)")
		}
		logger.Info("Creating Kubernetes TLS Provider",
			"namespace", f.cfg.Namespace,
			"secret", f.cfg.TLSSecretName)
		return kubernetes.NewSecretTLSProvider(clientset, f.cfg.Namespace, f.cfg.TLSSecretName), nil
	case config.TLSModeMemory:
		logger.Info("Creating Memory TLS Provider")
		return memory.NewTLSProvider(), nil
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", f.cfg.TLSMode)
	}
}

// EnsureCertificate loads the certificate, generating a self-signed one
// when it is missing and replacing it when it is about to expire.
func (f *TLSFactory) EnsureCertificate(ctx context.Context, provider core.TLSProvider) error {
	cert, err := provider.GetCertificate(ctx)
	if err != nil {
		if !f.cfg.TLSAutoGenerate {
			return fmt.Errorf("certificate not found and TLS_AUTO_GENERATE=false: %w", err)
		}
		logger.Info("Certificate not found. Generating new self-signed certificate...")
		return f.generateAndStoreCertificate(ctx, provider)
	}

	if !f.cfg.TLSAutoRenew {
		logger.Info("Certificate expiry check skipped (TLS_AUTO_RENEW=false)")
		return nil
	}

	expiring, notAfter, err := CertificateExpiring(cert, f.cfg.TLSRenewalThresholdDays)
	if err != nil {
		return err
	}
	if expiring {
		logger.Warn("Certificate expires soon, regenerating", "not_after", notAfter)
		return f.generateAndStoreCertificate(ctx, provider)
	}

	logger.Info("Certificate loaded and validated successfully", "not_after", notAfter)
	return nil
}

// ServerConfig returns the listener TLS configuration. The certificate is
// fetched from the provider on every handshake so renewals apply without
// a restart.
func (f *TLSFactory) ServerConfig(ctx context.Context, provider core.TLSProvider) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return provider.GetCertificate(ctx)
		},
	}
}

func (f *TLSFactory) generateAndStoreCertificate(ctx context.Context, provider core.TLSProvider) error {
	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	// Another replica may have stored one first
	if err := provider.Store(ctx, certPEM, keyPEM); err != nil {
		logger.Warn("Failed to store certificate, attempting to load existing cert", "error", err)
		if _, loadErr := provider.GetCertificate(ctx); loadErr != nil {
			return fmt.Errorf("failed to load certificate after store failure: %w", loadErr)
		}
		logger.Info("Successfully loaded certificate created by another instance")
		return nil
	}

	logger.Info("Successfully generated and stored self-signed certificate")
	return nil
}

// CertificateExpiring reports whether the leaf certificate expires within
// thresholdDays.
func CertificateExpiring(cert *tls.Certificate, thresholdDays int) (bool, time.Time, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return false, time.Time{}, fmt.Errorf("certificate chain is empty")
		}
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}

	threshold := time.Now().AddDate(0, 0, thresholdDays)
	return leaf.NotAfter.Before(threshold), leaf.NotAfter, nil
}
