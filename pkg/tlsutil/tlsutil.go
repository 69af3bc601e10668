// Package tlsutil builds the TLS configurations used by depkitd: one shared
// server certificate for every HTTP listener, optionally issued over ACME,
// and client configurations for outgoing NATS connections.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/depkit/config"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/pkg/acme"
)

// Server holds the listener certificate. The certificate can be swapped
// while listeners are serving; new handshakes pick up the replacement.
type Server struct {
	cert       atomic.Pointer[tls.Certificate]
	minVersion uint16
	clientCAs  *x509.CertPool
	clientAuth tls.ClientAuthType
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer loads the certificate named by cfg. It returns nil when TLS is
// disabled. In acme mode the certificate is renewed in the background until
// Close; when the directory cannot be reached and both files are configured
// the files are served instead.
func NewServer(ctx context.Context, cfg config.TLSConfig, logger *slog.Logger) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		minVersion: parseTLSVersion(cfg.MinVersion),
		logger:     logger.With("component", "tlsutil"),
	}
	if err := s.loadClientCAs(cfg); err != nil {
		return nil, err
	}

	if cfg.Manual() {
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.SetCertificate(cert)
		return s, nil
	}

	client, cert, err := obtain(ctx, cfg.ACME, logger)
	if err != nil {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, err
		}
		s.logger.Warn("ACME unavailable, serving configured certificate files", "error", err)
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "NewServer", "fall back to certificate files")
		}
		s.SetCertificate(cert)
		return s, nil
	}
	s.SetCertificate(cert)

	interval := cfg.ACME.CheckInterval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	renewCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.Run(renewCtx, interval, s.SetCertificate)
	}()
	return s, nil
}

func obtain(ctx context.Context, cfg config.ACMEConfig, logger *slog.Logger) (*acme.Client, *tls.Certificate, error) {
	client, err := acme.NewClient(acme.Config{
		DirectoryURL:  cfg.DirectoryURL,
		Email:         cfg.Email,
		Domains:       cfg.Domains,
		ChallengeType: cfg.ChallengeType,
		RenewBefore:   cfg.RenewBefore.Std(),
		StoragePath:   cfg.StoragePath,
		CABundle:      cfg.CABundle,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	cert, err := client.Certificate(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, cert, nil
}

func (s *Server) loadClientCAs(cfg config.TLSConfig) error {
	if len(cfg.ClientCAFiles) == 0 {
		return nil
	}
	pool, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles)
	if err != nil {
		return err
	}
	s.clientCAs = pool
	if cfg.RequireClientCert {
		s.clientAuth = tls.RequireAndVerifyClientCert
	} else {
		s.clientAuth = tls.VerifyClientCertIfGiven
	}
	return nil
}

// SetCertificate replaces the served certificate
func (s *Server) SetCertificate(cert *tls.Certificate) {
	if cert == nil {
		return
	}
	s.cert.Store(cert)
	if cert.Leaf != nil {
		s.logger.Info("Serving certificate", "subject", cert.Leaf.Subject.CommonName, "not_after", cert.Leaf.NotAfter)
	}
}

// Certificate returns the certificate currently served
func (s *Server) Certificate() *tls.Certificate { return s.cert.Load() }

// Config returns a listener configuration backed by s. Each call returns a
// new value so listeners may adjust it independently.
func (s *Server) Config() *tls.Config {
	return &tls.Config{
		MinVersion: s.minVersion,
		ClientCAs:  s.clientCAs,
		ClientAuth: s.clientAuth,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.cert.Load(), nil
		},
	}
}

// Close stops background renewal
func (s *Server) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// LoadClientConfig builds the configuration for an outgoing connection. It
// returns nil when cfg is disabled.
func LoadClientConfig(cfg config.ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if roots, err = loadPool(roots, cfg.CAFiles); err != nil {
		return nil, err
	}
	tc := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		RootCAs:            roots,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CertFile != "" {
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{*cert}
	}
	return tc, nil
}

func loadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "loadKeyPair", "load certificate")
	}
	if cert.Leaf == nil {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "loadPool", fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", "loadPool",
				fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return pool, nil
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
