package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidateServerConfig 验证服务端配置
func ValidateServerConfig(cfg *ServerConfig) error {
	var errs []error

	// 验证监听地址
	if cfg.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	} else if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("invalid server.listen address: %w", err))
	}

	// 验证TLS配置：ACME域名或证书文件二选一
	tlsCfg := cfg.Server.TLS
	if len(tlsCfg.ACMEDomains) == 0 {
		if tlsCfg.Cert == "" {
			errs = append(errs, fmt.Errorf("server.tls.cert is required when acme_domains is empty"))
		}
		if tlsCfg.Key == "" {
			errs = append(errs, fmt.Errorf("server.tls.key is required when acme_domains is empty"))
		}
		if tlsCfg.Cert != "" && tlsCfg.Key != "" {
			if err := validateTLSCertificate(tlsCfg.Cert, tlsCfg.Key); err != nil {
				errs = append(errs, err)
			}
		}
	} else {
		for i, domain := range tlsCfg.ACMEDomains {
			if domain == "" || net.ParseIP(domain) != nil {
				errs = append(errs, fmt.Errorf("invalid server.tls.acme_domains at index %d: %q", i, domain))
			}
		}
	}

	if cfg.Server.WebSocket.Enabled && !strings.HasPrefix(cfg.Server.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("server.websocket.path must start with '/'"))
	}

	// 验证Trojan配置
	if cfg.Trojan.Password == "" {
		errs = append(errs, fmt.Errorf("trojan.password is required"))
	}
	if cfg.Trojan.Fallback == "" {
		errs = append(errs, fmt.Errorf("trojan.fallback is required"))
	} else if _, err := cfg.FallbackDestination(); err != nil {
		errs = append(errs, fmt.Errorf("invalid trojan.fallback: %w", err))
	}

	// 验证重定向配置
	if cfg.Redirect.Enabled {
		if cfg.Redirect.Listen == "" {
			errs = append(errs, fmt.Errorf("redirect.listen is required when redirect.enabled is true"))
		} else if _, _, err := net.SplitHostPort(cfg.Redirect.Listen); err != nil {
			errs = append(errs, fmt.Errorf("invalid redirect.listen address: %w", err))
		}
	}

	errs = append(errs, validateResolver(&cfg.Resolver)...)

	// 验证连接配置
	errs = append(errs, validateDuration("connection.dial_timeout", cfg.Connection.DialTimeout)...)
	errs = append(errs, validateDuration("connection.keep_alive_time", cfg.Connection.KeepAliveTime)...)
	if cfg.Connection.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("connection.max_connections must be >= 0"))
	}
	if cfg.Connection.MaxPerIP < 0 {
		errs = append(errs, fmt.Errorf("connection.max_connections_per_ip must be >= 0"))
	}
	if cfg.Connection.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("connection.accept_rate must be >= 0"))
	}
	if cfg.Connection.AcceptBurst < 0 {
		errs = append(errs, fmt.Errorf("connection.accept_burst must be >= 0"))
	}
	if _, err := cfg.DestinationFilter(); err != nil {
		errs = append(errs, fmt.Errorf("invalid connection CIDRs: %w", err))
	}
	if _, err := cfg.EgressSelector(); err != nil {
		errs = append(errs, fmt.Errorf("invalid connection egress: %w", err))
	}

	errs = append(errs, validateLogging(&cfg.Logging)...)

	// 验证监控配置
	if cfg.Monitor.Enabled {
		if cfg.Monitor.Listen == "" {
			errs = append(errs, fmt.Errorf("monitor.listen is required when monitor.enabled is true"))
		} else if _, _, err := net.SplitHostPort(cfg.Monitor.Listen); err != nil {
			errs = append(errs, fmt.Errorf("invalid monitor.listen address: %w", err))
		}
	}

	return joinErrors(errs)
}

// ValidateClientConfig 验证客户端配置
func ValidateClientConfig(cfg *ClientConfig) error {
	var errs []error

	// 验证服务器地址
	if cfg.Server.Address == "" {
		errs = append(errs, fmt.Errorf("server.address is required"))
	} else if _, _, err := net.SplitHostPort(cfg.Server.Address); err != nil {
		errs = append(errs, fmt.Errorf("invalid server.address: %w", err))
	}
	if cfg.Server.CAFile != "" {
		if _, err := os.Stat(cfg.Server.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("CA file not found: %s: %w", cfg.Server.CAFile, err))
		}
	}
	if cfg.Server.WebSocket.Enabled && !strings.HasPrefix(cfg.Server.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("server.websocket.path must start with '/'"))
	}

	if cfg.Auth.Password == "" {
		errs = append(errs, fmt.Errorf("auth.password is required"))
	}

	// 验证本地监听地址
	if cfg.Local.SOCKS5 == "" {
		errs = append(errs, fmt.Errorf("local.socks5 is required"))
	} else if _, _, err := net.SplitHostPort(cfg.Local.SOCKS5); err != nil {
		errs = append(errs, fmt.Errorf("invalid local.socks5 address: %w", err))
	}

	errs = append(errs, validateResolver(&cfg.Resolver)...)
	errs = append(errs, validateDuration("connection.dial_timeout", cfg.Connection.DialTimeout)...)
	errs = append(errs, validateDuration("connection.keep_alive_time", cfg.Connection.KeepAliveTime)...)
	errs = append(errs, validateDuration("connection.first_payload_timeout", cfg.Connection.FirstPayloadTimeout)...)
	errs = append(errs, validateDuration("connection.retry_delay", cfg.Connection.RetryDelay)...)
	if cfg.Connection.DialRetries < 0 {
		errs = append(errs, fmt.Errorf("connection.dial_retries must be >= 0"))
	}
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return joinErrors(errs)
}

func validateResolver(cfg *ResolverConfig) []error {
	var errs []error
	for i, ns := range cfg.Nameservers {
		host := ns
		if h, _, err := net.SplitHostPort(ns); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			errs = append(errs, fmt.Errorf("invalid resolver.nameservers at index %d: %s", i, ns))
		}
	}
	return append(errs, validateDuration("resolver.cache_ttl", cfg.CacheTTL)...)
}

func validateLogging(cfg *LoggingConfig) []error {
	var errs []error
	if cfg.Level != "" {
		if _, err := logrus.ParseLevel(cfg.Level); err != nil {
			errs = append(errs, fmt.Errorf("invalid logging.level: %w", err))
		}
	}
	switch cfg.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format: %s", cfg.Format))
	}
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				errs = append(errs, fmt.Errorf("failed to create log directory: %w", err))
			}
		}
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("logging rotation limits must be >= 0"))
	}
	return errs
}

func validateDuration(key, value string) []error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("invalid %s: %w", key, err)}
	}
	if d < 0 {
		return []error{fmt.Errorf("%s must be >= 0", key)}
	}
	return nil
}

// validateTLSCertificate 检查证书格式、有效期以及与私钥是否匹配
func validateTLSCertificate(certFile, keyFile string) error {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("TLS cert file not found: %s: %w", certFile, err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return fmt.Errorf("TLS key file not found: %s: %w", keyFile, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode PEM certificate: %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired (expired on %s)", cert.NotAfter)
	}

	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		return fmt.Errorf("certificate and key do not match: %w", err)
	}

	logrus.Debugf("TLS certificate valid until %s", cert.NotAfter)
	return nil
}

// joinErrors 把所有错误合并为编号列表
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range errs {
		fmt.Fprintf(&b, "  %d. %v\n", i+1, err)
	}
	return fmt.Errorf("%s", b.String())
}
