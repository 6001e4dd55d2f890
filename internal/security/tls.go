// Package security holds the web server's HTTPS setup.
package security

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/fenilsonani/webmail/internal/config"
)

// TLSManager builds the server's tls.Config from certificate files or
// Let's Encrypt.
type TLSManager struct {
	certManager *autocert.Manager
	reloader    *certReloader
	tlsConfig   *tls.Config
}

// NewTLSManager builds the server TLS setup. With no certificate source
// configured the manager is valid and HasTLS reports false.
func NewTLSManager(cfg config.TLSConfig, hostname string) (*TLSManager, error) {
	manager := &TLSManager{}

	switch {
	case cfg.AutoTLS:
		manager.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostname),
			Cache:      autocert.DirCache(cfg.CacheDir),
			Email:      cfg.Email,
		}
		manager.tlsConfig = manager.certManager.TLSConfig()
	case cfg.CertFile != "" && cfg.KeyFile != "":
		r, err := newCertReloader(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		manager.reloader = r
		manager.tlsConfig = &tls.Config{GetCertificate: r.GetCertificate}
	default:
		return manager, nil
	}

	manager.tlsConfig.MinVersion = tls.VersionTLS12
	// Only AEAD suites; TLS 1.3 suites are not configurable.
	manager.tlsConfig.CipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
	return manager, nil
}

// TLSConfig returns the TLS configuration, nil when TLS is off
func (m *TLSManager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HasTLS returns true if TLS is configured
func (m *TLSManager) HasTLS() bool {
	return m.tlsConfig != nil
}

// ChallengeHandler answers ACME HTTP-01 challenges and passes everything
// else to fallback. Without auto TLS it returns fallback unchanged.
func (m *TLSManager) ChallengeHandler(fallback http.Handler) http.Handler {
	if m.certManager == nil {
		return fallback
	}
	return m.certManager.HTTPHandler(fallback)
}

// certReloader serves a certificate pair from disk and picks up renewed
// files without a restart. The files are re-read when the certificate's
// modification time changes, checked at most once per interval.
type certReloader struct {
	certFile, keyFile string
	interval          time.Duration
	now               func() time.Time

	mu        sync.Mutex
	cert      *tls.Certificate
	modTime   time.Time
	lastCheck time.Time
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	r := &certReloader{
		certFile: certFile,
		keyFile:  keyFile,
		interval: time.Minute,
		now:      time.Now,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load reads the pair. The caller holds r.mu or has exclusive access.
func (r *certReloader) load() error {
	info, err := os.Stat(r.certFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	r.cert = &cert
	r.modTime = info.ModTime()
	r.lastCheck = r.now()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate. A failed reload
// keeps serving the previous certificate.
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.lastCheck) < r.interval {
		return r.cert, nil
	}
	r.lastCheck = r.now()
	if info, err := os.Stat(r.certFile); err == nil && !info.ModTime().Equal(r.modTime) {
		_ = r.load()
	}
	return r.cert, nil
}
