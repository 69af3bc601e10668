package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"flag"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depkit/config"
	"github.com/c360/depkit/health"
	"github.com/c360/depkit/registry"
	"github.com/c360/depkit/routing"
)

func TestParseFlagSet(t *testing.T) {
	t.Setenv("DEPKIT_LOG_FORMAT", "text")

	fs := flag.NewFlagSet("depkitd", flag.ContinueOnError)
	cfg, err := parseFlagSet(fs, []string{"-config", "depkitd.yaml", "-debug", "-shutdown-timeout", "5s"})
	require.NoError(t, err)

	assert.Equal(t, "depkitd.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.Validate)

	fs = flag.NewFlagSet("depkitd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err = parseFlagSet(fs, []string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depkitd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"defaults", CLIConfig{}, false},
		{"existing file", CLIConfig{ConfigPath: path, LogLevel: "warn", LogFormat: "json"}, false},
		{"missing file", CLIConfig{ConfigPath: filepath.Join(t.TempDir(), "nope.json")}, true},
		{"bad level", CLIConfig{LogLevel: "trace"}, true},
		{"bad format", CLIConfig{LogFormat: "xml"}, true},
		{"negative timeout", CLIConfig{ShutdownTimeout: -time.Second}, true},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "trace"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "value", line["key"])

	buf.Reset()
	newLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	assert.Equal(t, "debug", firstNonEmpty("", "debug", "info"))
	assert.Equal(t, "", firstNonEmpty())
}

func TestInitializeConfiguration(t *testing.T) {
	cfg, err := initializeConfiguration(&CLIConfig{})
	require.NoError(t, err)
	assert.Equal(t, config.Default().Diag.Addr, cfg.Diag.Addr)

	path := filepath.Join(t.TempDir(), "depkitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err = initializeConfiguration(&CLIConfig{ConfigPath: path})
	assert.Error(t, err)
}

func testDaemonConfig() *config.Config {
	cfg := config.Default()
	cfg.Metrics.Port = 0
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Diag.Addr = "127.0.0.1:0"
	cfg.Configurations = map[string]map[string]any{
		"org.example.store": {"path": "/var/lib/store", "size": 42},
	}
	return cfg
}

func TestDaemon_StartAndStop(t *testing.T) {
	d, err := newDaemon(testDaemonConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.start(ctx))

	configs := d.admin.List()
	require.Len(t, configs, 1)
	assert.Equal(t, "org.example.store", configs[0].PID)

	recs, err := d.registry.Lookup(routing.HandlerInterface, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, appName, recs[0].Owner())

	statusURL := "http://" + d.httpAddress() + statusPath
	var status health.Status
	require.Eventually(t, func() bool {
		resp, err := http.Get(statusURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&status) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, appName, status.Component)
	assert.True(t, status.IsHealthy())

	resp, err := http.Get("http://" + d.httpAddress() + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(d.diagServer.Address() + "/services")
	require.NoError(t, err)
	var services registry.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&services))
	resp.Body.Close()
	require.Len(t, services.Services, 1)
	assert.Contains(t, services.Services[0].Interfaces, routing.HandlerInterface)

	require.NoError(t, d.stop(5*time.Second))

	_, err = http.Get(statusURL)
	assert.Error(t, err)
}

func TestDaemon_DisabledSurfaces(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Metrics.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.Diag.Enabled = false
	cfg.Configurations = nil

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))

	assert.Nil(t, d.metricsServer)
	assert.Nil(t, d.diagServer)
	assert.Empty(t, d.httpAddress())
	assert.Empty(t, d.admin.List())

	require.NoError(t, d.stop(5*time.Second))
}

// writeLocalhostCert writes a self-signed certificate for 127.0.0.1 and
// returns the certificate and key paths
func writeLocalhostCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: appName},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "depkitd.pem"), filepath.Join(dir, "depkitd.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestDaemon_ServesTLS(t *testing.T) {
	certFile, keyFile := writeLocalhostCert(t)
	cfg := testDaemonConfig()
	cfg.Metrics.Enabled = false
	cfg.Configurations = nil
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))
	defer func() { require.NoError(t, d.stop(5*time.Second)) }()

	caPEM, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
	}

	resp, err := client.Get("https://" + d.httpAddress() + statusPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.True(t, strings.HasPrefix(d.diagServer.Address(), "https://"))
	resp, err = client.Get(d.diagServer.Address() + "/services")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + d.httpAddress() + statusPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "plain HTTP is refused by the TLS listener")
}
