package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// ClientTLSConfig 客户端TLS配置
type ClientTLSConfig struct {
	SNI      string
	Insecure bool
	CAFile   string
}

// DialTLS 建立TCP连接并使用uTLS（Chrome指纹）完成握手
func DialTLS(ctx context.Context, dialer *net.Dialer, addr string, config *ClientTLSConfig) (Stream, error) {
	sni := config.SNI
	if sni == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		sni = host
	}

	utlsConfig := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: config.Insecure,
		NextProtos:         []string{"http/1.1"},
	}
	if config.CAFile != "" {
		pool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		utlsConfig.RootCAs = pool
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	utlsConn := utls.UClient(conn, utlsConfig, utls.HelloChrome_Auto)
	if err := utlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return utlsConn, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// ServerTLSConfig 服务端TLS配置
type ServerTLSConfig struct {
	Cert string
	Key  string

	// ACME自动证书，设置域名后忽略Cert/Key
	ACMEDomains []string
	ACMECache   string
	ACMEEmail   string

	// SelfSigned 仅用于测试环境
	SelfSigned bool
}

// ServerTLS 服务端TLS配置及其证书来源
type ServerTLS struct {
	Config   *tls.Config
	Reloader *CertReloader
	ACME     *autocert.Manager
}

// NewServerTLS 根据配置创建服务端tls.Config
func NewServerTLS(config *ServerTLSConfig) (*ServerTLS, error) {
	switch {
	case len(config.ACMEDomains) > 0:
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.ACMEDomains...),
			Email:      config.ACMEEmail,
		}
		if config.ACMECache != "" {
			manager.Cache = autocert.DirCache(config.ACMECache)
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.NextProtos = []string{"http/1.1", acme.ALPNProto}
		tlsConfig.MinVersion = tls.VersionTLS12
		return &ServerTLS{Config: tlsConfig, ACME: manager}, nil

	case config.Cert != "" && config.Key != "":
		reloader, err := NewCertReloader(config.Cert, config.Key)
		if err != nil {
			return nil, err
		}
		return &ServerTLS{
			Config: &tls.Config{
				GetCertificate: reloader.GetCertificate,
				NextProtos:     []string{"http/1.1"},
				MinVersion:     tls.VersionTLS12,
			},
			Reloader: reloader,
		}, nil

	case config.SelfSigned:
		cert, err := GenerateSelfSignedCert("localhost", "127.0.0.1")
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
		return &ServerTLS{
			Config: &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   []string{"http/1.1"},
				MinVersion:   tls.VersionTLS12,
			},
		}, nil

	default:
		return nil, fmt.Errorf("certificate required, use cert/key or acme_domains in config")
	}
}

// ListenTLS 监听TLS连接（服务端）
func ListenTLS(ctx context.Context, addr string, tlsConfig *tls.Config, reusePort bool) (net.Listener, error) {
	listener, err := Listen(ctx, addr, reusePort)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(listener, tlsConfig), nil
}

// GenerateSelfSignedCert 生成自签名证书
func GenerateSelfSignedCert(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"trojan-tunnel"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
