package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/errors"
)

func validConfig(dir string) Config {
	return Config{
		DirectoryURL: "https://ca.internal:9000/acme/acme/directory",
		Email:        "ops@example.org",
		Domains:      []string{"depkitd.example.org"},
		StoragePath:  dir,
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := validConfig(t.TempDir())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ChallengeHTTP01, cfg.ChallengeType)
	assert.Equal(t, defaultRenewBefore, cfg.RenewBefore)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing directory", func(c *Config) { c.DirectoryURL = "" }, "directory_url is required"},
		{"missing email", func(c *Config) { c.Email = "" }, "email is required"},
		{"missing domains", func(c *Config) { c.Domains = nil }, "at least one domain"},
		{"missing storage", func(c *Config) { c.StoragePath = "" }, "storage_path is required"},
		{"bad challenge", func(c *Config) { c.ChallengeType = "dns-01" }, "dns-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t.TempDir())
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAccount_CreatedOnceAndReloaded(t *testing.T) {
	dir := t.TempDir()

	first, err := loadAccount(dir, "ops@example.org")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, accountFile))
	assert.FileExists(t, filepath.Join(dir, accountKey))
	assert.Nil(t, first.GetRegistration())

	again, err := loadAccount(dir, "other@example.org")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.org", again.GetEmail(), "the stored account wins")

	want := first.GetPrivateKey().(*ecdsa.PrivateKey)
	got, ok := again.GetPrivateKey().(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, want.Equal(got))
}

func TestAccount_CorruptStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, accountFile), []byte("{"), 0o600))
	_, err := loadAccount(dir, "ops@example.org")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func selfSigned(t *testing.T, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "depkitd.example.org"},
		DNSNames:     []string{"depkitd.example.org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func TestStoredCertificate(t *testing.T) {
	dir := t.TempDir()

	cert, leaf, err := loadStored(dir)
	require.NoError(t, err)
	assert.Nil(t, cert)
	assert.Nil(t, leaf)

	expiry := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	certPEM, keyPEM := selfSigned(t, expiry)
	_, err = storeCertificate(dir, certPEM, keyPEM)
	require.NoError(t, err)

	cert, leaf, err = loadStored(dir)
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "depkitd.example.org", leaf.Subject.CommonName)
	assert.True(t, leaf.NotAfter.Equal(expiry.UTC()))

	_, err = storeCertificate(dir, certPEM, []byte("not a key"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRenewalDue(t *testing.T) {
	now := time.Now()
	leaf := &x509.Certificate{NotAfter: now.Add(10 * time.Hour)}

	assert.False(t, renewalDue(leaf, 8*time.Hour, now))
	assert.True(t, renewalDue(leaf, 10*time.Hour, now))
	assert.True(t, renewalDue(leaf, 8*time.Hour, now.Add(3*time.Hour)))
}
