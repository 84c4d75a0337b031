package config

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trojan-tunnel/internal/transport"
	"trojan-tunnel/internal/trojan"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeKeyPair(t *testing.T, dir string) (string, string) {
	t.Helper()
	cert, err := transport.GenerateSelfSignedCert("localhost")
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	certPath := writeFile(t, dir, "cert.pem", string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})))
	keyPath := writeFile(t, dir, "key.pem", string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
	return certPath, keyPath
}

const serverYAML = `
server:
  listen: "0.0.0.0:443"
  reuse_port: true
  tls:
    cert: %CERT%
    key: %KEY%
  websocket:
    enabled: true
    path: /ws
trojan:
  password: password
  fallback: "127.0.0.1:80"
redirect:
  enabled: true
  listen: "0.0.0.0:80"
resolver:
  nameservers: ["1.1.1.1", "8.8.8.8:53"]
  cache_ttl: 1m
connection:
  dial_timeout: 5s
  keep_alive: true
  max_connections: 1000
  accept_rate: 200
  accept_burst: 50
  block_private: true
  deny_cidrs: ["198.51.100.0/24"]
  egress_ips: ["192.0.2.10", "192.0.2.11"]
  egress_strategy: destination
logging:
  level: debug
  format: json
monitor:
  enabled: true
  listen: "127.0.0.1:9090"
`

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir)
	content := strings.NewReplacer("%CERT%", certPath, "%KEY%", keyPath).Replace(serverYAML)
	path := writeFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "d63dc919e201d7bc4c825630d2cf25fdc93d4b2f0d46706d29038d01", cfg.Digest())
	assert.True(t, cfg.Server.WebSocket.Enabled)
	assert.Equal(t, "/ws", cfg.Server.WebSocket.Path)
	assert.Equal(t, 5*time.Second, cfg.GetDialTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetKeepAliveTime(), "keep alive default")
	assert.Equal(t, time.Minute, cfg.Resolver.GetCacheTTL())

	fallback, err := cfg.FallbackDestination()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:80", fallback.String())

	filter, err := cfg.DestinationFilter()
	require.NoError(t, err)
	require.NotNil(t, filter)
	assert.False(t, filter.IsAllowed(net.ParseIP("10.0.0.1")), "private network should be blocked")
	assert.False(t, filter.IsAllowed(net.ParseIP("198.51.100.9")), "denied network should be blocked")
	assert.True(t, filter.IsAllowed(net.ParseIP("8.8.8.8")))

	egress, err := cfg.EgressSelector()
	require.NoError(t, err)
	assert.NotNil(t, egress)

	assert.NoError(t, ValidateServerConfig(cfg))
}

func TestLoadServerConfig_Errors(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "server: [")
	_, err = LoadServerConfig(path)
	assert.Error(t, err)
}

func TestValidateServerConfig_CollectsAllErrors(t *testing.T) {
	cfg := &ServerConfig{}
	cfg.Server.Listen = "no-port"
	cfg.Server.WebSocket.Enabled = true
	cfg.Server.WebSocket.Path = "ws"
	cfg.Trojan.Fallback = "127.0.0.1"
	cfg.Connection.DialTimeout = "soon"
	cfg.Connection.MaxConnections = -1
	cfg.Connection.DenyCIDRs = []string{"10.0.0.1"}
	cfg.Connection.EgressStrategy = "random"
	cfg.Connection.EgressIPs = []string{"192.0.2.1"}
	cfg.Resolver.Nameservers = []string{"dns.example"}
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Monitor.Enabled = true

	err := ValidateServerConfig(cfg)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"server.listen",
		"server.tls.cert",
		"server.tls.key",
		"server.websocket.path",
		"trojan.password",
		"trojan.fallback",
		"connection.dial_timeout",
		"connection.max_connections",
		"connection CIDRs",
		"connection egress",
		"resolver.nameservers",
		"logging.level",
		"logging.format",
		"monitor.listen",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Contains(t, msg, "  1. ", "errors should be numbered")
}

func TestValidateServerConfig_ACME(t *testing.T) {
	cfg := &ServerConfig{}
	cfg.Server.Listen = ":443"
	cfg.Server.TLS.ACMEDomains = []string{"example.com"}
	cfg.Trojan.Password = "p"
	cfg.Trojan.Fallback = "127.0.0.1:80"

	assert.NoError(t, ValidateServerConfig(cfg), "ACME config needs no cert files")

	cfg.Server.TLS.ACMEDomains = []string{"1.2.3.4"}
	assert.Error(t, ValidateServerConfig(cfg), "IP address is not a valid ACME domain")
}

func TestValidateTLSCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeyPair(t, dir)

	assert.NoError(t, validateTLSCertificate(certPath, keyPath))

	_, otherKey := writeKeyPair(t, t.TempDir())
	assert.Error(t, validateTLSCertificate(certPath, otherKey), "mismatched key")

	garbage := writeFile(t, dir, "garbage.pem", "not a certificate")
	assert.Error(t, validateTLSCertificate(garbage, keyPath), "non-PEM certificate")
}

const clientJSON = `{
  "server": {
    "address": "proxy.example.com:443",
    "sni": "proxy.example.com",
    "websocket": {"enabled": true, "path": "/ws"}
  },
  "auth": {"password": "password"},
  "local": {"socks5": "127.0.0.1:1080"},
  "resolver": {"nameservers": ["9.9.9.9"]},
  "connection": {"dial_timeout": "3s", "first_payload_timeout": "250ms", "dial_retries": 2},
  "logging": {"level": "info"}
}`

func TestLoadClientConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "client.json", clientJSON)

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.NoError(t, ValidateClientConfig(cfg))

	assert.Equal(t, trojan.HashPassword("password"), cfg.Digest())
	assert.Equal(t, 3*time.Second, cfg.GetDialTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.GetFirstPayloadTimeout())
	assert.Equal(t, 2, cfg.Connection.DialRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.GetRetryDelay())
	assert.Equal(t, []string{"9.9.9.9"}, cfg.Resolver.Nameservers)
}

func TestClientFirstPayloadTimeout(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", trojan.DefaultFirstPayloadTimeout},
		{"invalid", trojan.DefaultFirstPayloadTimeout},
		{"0s", -1},
		{"1s", time.Second},
	}

	for _, tt := range tests {
		cfg := &ClientConfig{}
		cfg.Connection.FirstPayloadTimeout = tt.value
		assert.Equal(t, tt.want, cfg.GetFirstPayloadTimeout(), "first_payload_timeout %q", tt.value)
	}
}

func TestValidateClientConfig_Errors(t *testing.T) {
	cfg := &ClientConfig{}
	cfg.Server.CAFile = "/nonexistent/ca.pem"
	cfg.Connection.FirstPayloadTimeout = "-1s"

	err := ValidateClientConfig(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"server.address", "CA file", "auth.password", "local.socks5", "first_payload_timeout"} {
		assert.Contains(t, msg, want)
	}
}
