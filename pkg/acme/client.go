// Package acme obtains and renews the depkitd listener certificate from an
// ACME directory. The account, its key and the issued certificate are kept
// under a storage directory so a restart reuses them.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/c360/depkit/errors"
)

// Challenge types
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

const (
	accountFile = "account.json"
	accountKey  = "account.key"
	certFile    = "certificate.pem"
	keyFile     = "certificate.key"

	defaultRenewBefore = 8 * time.Hour
)

// Config describes the directory and the local store
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string
	RenewBefore   time.Duration
	StoragePath   string
	// CABundle is trusted when talking to a private directory
	CABundle string
}

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	invalid := func(msg, action string) error {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", msg, errors.ErrInvalidConfig), "acme.Config", "Validate", action)
	}
	switch {
	case c.DirectoryURL == "":
		return invalid("directory_url is required", "check directory URL")
	case c.Email == "":
		return invalid("email is required", "check email")
	case len(c.Domains) == 0:
		return invalid("at least one domain is required", "check domains")
	case c.StoragePath == "":
		return invalid("storage_path is required", "check storage path")
	}
	switch c.ChallengeType {
	case "":
		c.ChallengeType = ChallengeHTTP01
	case ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return invalid(fmt.Sprintf("challenge_type %q is not supported", c.ChallengeType), "check challenge type")
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = defaultRenewBefore
	}
	return nil
}

// account is the registered ACME user
type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration,omitempty"`
	key          crypto.PrivateKey
}

func (a *account) GetEmail() string                        { return a.Email }
func (a *account) GetRegistration() *registration.Resource { return a.Registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// Client issues certificates for the configured domains
type Client struct {
	cfg     Config
	logger  *slog.Logger
	account *account
	lego    *lego.Client
}

// NewClient loads or creates the account and registers it with the
// directory when it is new. Registration needs the directory to be reachable.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	acct, err := loadAccount(cfg.StoragePath, cfg.Email)
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, logger: logger.With("component", "acme"), account: acct}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadAccount reads the stored account, or creates and stores a new key
func loadAccount(dir, email string) (*account, error) {
	data, err := os.ReadFile(filepath.Join(dir, accountFile))
	if os.IsNotExist(err) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.WrapFatal(err, "acme.Client", "loadAccount", "generate account key")
		}
		acct := &account{Email: email, key: key}
		return acct, saveAccount(dir, acct)
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadAccount", "read account")
	}

	var acct account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadAccount", "decode account")
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, accountKey))
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadAccount", "read account key")
	}
	acct.key, err = certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadAccount", "parse account key")
	}
	return &acct, nil
}

func saveAccount(dir string, acct *account) error {
	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "encode account")
	}
	if err := os.WriteFile(filepath.Join(dir, accountFile), data, 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account")
	}
	if err := os.WriteFile(filepath.Join(dir, accountKey), certcrypto.PEMEncode(acct.key), 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account key")
	}
	return nil
}

func (c *Client) connect() error {
	lc := lego.NewConfig(c.account)
	lc.CADirURL = c.cfg.DirectoryURL
	lc.Certificate.KeyType = certcrypto.EC256

	if c.cfg.CABundle != "" {
		pem, err := os.ReadFile(c.cfg.CABundle)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "connect", "read CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return errors.WrapFatal(fmt.Errorf("no certificates in %s", c.cfg.CABundle),
				"acme.Client", "connect", "parse CA bundle")
		}
		lc.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		}
	}

	client, err := lego.NewClient(lc)
	if err != nil {
		return errors.WrapTransient(err, "acme.Client", "connect", "create lego client")
	}

	switch c.cfg.ChallengeType {
	case ChallengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	default:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "connect", "set challenge provider")
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Client", "connect", "register account")
		}
		c.account.Registration = reg
		if err := saveAccount(c.cfg.StoragePath, c.account); err != nil {
			return err
		}
		c.logger.Info("ACME account registered", "email", c.account.Email)
	}
	c.lego = client
	return nil
}

// Certificate returns the stored certificate, renewing it when it is due,
// or obtains a new one when nothing is stored
func (c *Client) Certificate(ctx context.Context) (*tls.Certificate, error) {
	cert, _, err := c.RenewIfDue(ctx)
	if err == nil && cert != nil {
		return cert, nil
	}
	if err != nil {
		c.logger.Warn("Stored certificate unusable, obtaining a new one", "error", err)
	}
	return c.Obtain(ctx)
}

// Obtain requests a new certificate for every configured domain
func (c *Client) Obtain(_ context.Context) (*tls.Certificate, error) {
	res, err := c.lego.Certificate.Obtain(certificate.ObtainRequest{Domains: c.cfg.Domains, Bundle: true})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "Obtain", "obtain certificate")
	}
	cert, err := storeCertificate(c.cfg.StoragePath, res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Certificate obtained", "domains", c.cfg.Domains)
	return cert, nil
}

// RenewIfDue renews the stored certificate once it is within RenewBefore of
// expiry. It returns nil without error when nothing is stored.
func (c *Client) RenewIfDue(_ context.Context) (*tls.Certificate, bool, error) {
	cert, leaf, err := loadStored(c.cfg.StoragePath)
	if err != nil || cert == nil {
		return nil, false, err
	}
	if !renewalDue(leaf, c.cfg.RenewBefore, time.Now()) {
		return cert, false, nil
	}

	pemData, err := os.ReadFile(filepath.Join(c.cfg.StoragePath, certFile))
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewIfDue", "read certificate")
	}
	res, err := c.lego.Certificate.Renew(certificate.Resource{
		Domain:      c.cfg.Domains[0],
		Certificate: pemData,
	}, true, false, "")
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "RenewIfDue", "renew certificate")
	}
	renewed, err := storeCertificate(c.cfg.StoragePath, res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, false, err
	}
	c.logger.Info("Certificate renewed", "domains", c.cfg.Domains, "previous_expiry", leaf.NotAfter)
	return renewed, true, nil
}

// Run checks for renewal every interval until ctx is done. onRenewed
// receives each renewed certificate.
func (c *Client) Run(ctx context.Context, interval time.Duration, onRenewed func(*tls.Certificate)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cert, renewed, err := c.RenewIfDue(ctx)
			if err != nil {
				c.logger.Warn("Certificate renewal failed", "error", err)
				continue
			}
			if renewed && onRenewed != nil {
				onRenewed(cert)
			}
		}
	}
}

// renewalDue reports whether leaf expires within before of now
func renewalDue(leaf *x509.Certificate, before time.Duration, now time.Time) bool {
	return !now.Before(leaf.NotAfter.Add(-before))
}

// loadStored reads the stored key pair. A missing certificate is not an error.
func loadStored(dir string) (*tls.Certificate, *x509.Certificate, error) {
	certPath := filepath.Join(dir, certFile)
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return nil, nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, filepath.Join(dir, keyFile))
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "acme.Client", "loadStored", "load certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "acme.Client", "loadStored", "parse certificate")
	}
	cert.Leaf = leaf
	return &cert, leaf, nil
}

func storeCertificate(dir string, certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "storeCertificate", "parse issued certificate")
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0o644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "storeCertificate", "write certificate")
	}
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "storeCertificate", "write private key")
	}
	return &cert, nil
}
