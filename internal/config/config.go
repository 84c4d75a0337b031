package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/trojan"
	"trojan-tunnel/pkg/socks5"
)

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // text 或 json
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// ResolverConfig DNS解析配置
type ResolverConfig struct {
	Nameservers []string `yaml:"nameservers" json:"nameservers"` // 为空时使用系统解析器
	CacheTTL    string   `yaml:"cache_ttl" json:"cache_ttl"`
}

// GetCacheTTL 获取DNS缓存时间
func (c *ResolverConfig) GetCacheTTL() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Server struct {
		Listen    string `yaml:"listen" json:"listen"`
		ReusePort bool   `yaml:"reuse_port" json:"reuse_port"`
		TLS       struct {
			Cert        string   `yaml:"cert" json:"cert"`
			Key         string   `yaml:"key" json:"key"`
			ACMEDomains []string `yaml:"acme_domains" json:"acme_domains"`
			ACMECache   string   `yaml:"acme_cache" json:"acme_cache"`
			ACMEEmail   string   `yaml:"acme_email" json:"acme_email"`
		} `yaml:"tls" json:"tls"`
		WebSocket struct {
			Enabled bool   `yaml:"enabled" json:"enabled"`
			Path    string `yaml:"path" json:"path"`
		} `yaml:"websocket" json:"websocket"`
	} `yaml:"server" json:"server"`

	Trojan struct {
		Password string `yaml:"password" json:"password"`
		Fallback string `yaml:"fallback" json:"fallback"` // 回落地址 host:port

		digest string
	} `yaml:"trojan" json:"trojan"`

	// 80端口HTTPS重定向
	Redirect struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Listen  string `yaml:"listen" json:"listen"`
	} `yaml:"redirect" json:"redirect"`

	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`

	// 连接管理配置
	Connection struct {
		DialTimeout    string  `yaml:"dial_timeout" json:"dial_timeout"`                     // 出站连接超时
		KeepAlive      bool    `yaml:"keep_alive" json:"keep_alive"`                         // 启用TCP KeepAlive
		KeepAliveTime  string  `yaml:"keep_alive_time" json:"keep_alive_time"`               // KeepAlive间隔
		MaxConnections int     `yaml:"max_connections" json:"max_connections"`               // 最大并发连接数，0不限制
		MaxPerIP       int     `yaml:"max_connections_per_ip" json:"max_connections_per_ip"` // 单个来源IP的并发连接数，0不限制
		AcceptRate     float64 `yaml:"accept_rate" json:"accept_rate"`                       // 每秒接入连接数，0不限制
		AcceptBurst    int     `yaml:"accept_burst" json:"accept_burst"`

		// 出站目标过滤，不作用于回落地址
		BlockPrivate bool     `yaml:"block_private" json:"block_private"`
		AllowCIDRs   []string `yaml:"allow_cidrs" json:"allow_cidrs"`
		DenyCIDRs    []string `yaml:"deny_cidrs" json:"deny_cidrs"`

		// 多出口源地址
		EgressIPs      []string `yaml:"egress_ips" json:"egress_ips"`
		EgressStrategy string   `yaml:"egress_strategy" json:"egress_strategy"` // round_robin 或 destination
	} `yaml:"connection" json:"connection"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// 监控统计配置
	Monitor struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Listen  string `yaml:"listen" json:"listen"`
	} `yaml:"monitor" json:"monitor"`
}

// LoadServerConfig 加载服务端配置，并计算一次密码摘要
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.Trojan.digest = trojan.HashPassword(config.Trojan.Password)

	return &config, nil
}

// Digest 密码的SHA224十六进制摘要
func (c *ServerConfig) Digest() string {
	if c.Trojan.digest == "" {
		c.Trojan.digest = trojan.HashPassword(c.Trojan.Password)
	}
	return c.Trojan.digest
}

// FallbackDestination 解析回落地址
func (c *ServerConfig) FallbackDestination() (socks5.Destination, error) {
	return socks5.ParseDestination(c.Trojan.Fallback)
}

// DestinationFilter 根据连接配置构造出站过滤器，未配置时返回nil
func (c *ServerConfig) DestinationFilter() (*proxy.IPFilter, error) {
	deny := c.Connection.DenyCIDRs
	if c.Connection.BlockPrivate {
		deny = append(append([]string{}, proxy.PrivateNetworks...), deny...)
	}
	if len(deny) == 0 && len(c.Connection.AllowCIDRs) == 0 {
		return nil, nil
	}
	return proxy.NewIPFilter(c.Connection.AllowCIDRs, deny)
}

// EgressSelector 根据连接配置构造出口选择器，未配置时返回nil
func (c *ServerConfig) EgressSelector() (proxy.EgressSelector, error) {
	return proxy.NewEgressSelector(c.Connection.EgressStrategy, c.Connection.EgressIPs)
}

// GetDialTimeout 获取连接超时
func (c *ServerConfig) GetDialTimeout() time.Duration {
	return parseDuration(c.Connection.DialTimeout, 10*time.Second)
}

// GetKeepAliveTime 获取KeepAlive间隔
func (c *ServerConfig) GetKeepAliveTime() time.Duration {
	return parseDuration(c.Connection.KeepAliveTime, 30*time.Second)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Server struct {
		Address   string `json:"address"`
		SNI       string `json:"sni"`
		Insecure  bool   `json:"insecure"`
		CAFile    string `json:"ca_file"`
		WebSocket struct {
			Enabled bool   `json:"enabled"`
			Path    string `json:"path"`
			Host    string `json:"host"`
		} `json:"websocket"`
	} `json:"server"`

	Auth struct {
		Password string `json:"password"`
	} `json:"auth"`

	Local struct {
		SOCKS5 string `json:"socks5"`
	} `json:"local"`

	// 解析服务器域名
	Resolver ResolverConfig `json:"resolver"`

	Connection struct {
		DialTimeout         string `json:"dial_timeout"`
		KeepAliveTime       string `json:"keep_alive_time"`
		FirstPayloadTimeout string `json:"first_payload_timeout"` // 等待首包时间，"0s"表示不等待
		DialRetries         int    `json:"dial_retries"`          // 连接服务器失败后的重试次数
		RetryDelay          string `json:"retry_delay"`           // 首次重试延迟，之后指数增长
	} `json:"connection"`

	Logging LoggingConfig `json:"logging"`
}

// LoadClientConfig 加载客户端配置
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ClientConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// Digest 密码的SHA224十六进制摘要
func (c *ClientConfig) Digest() string {
	return trojan.HashPassword(c.Auth.Password)
}

// GetDialTimeout 获取连接服务器超时
func (c *ClientConfig) GetDialTimeout() time.Duration {
	return parseDuration(c.Connection.DialTimeout, 10*time.Second)
}

// GetKeepAliveTime 获取KeepAlive间隔
func (c *ClientConfig) GetKeepAliveTime() time.Duration {
	return parseDuration(c.Connection.KeepAliveTime, 30*time.Second)
}

// GetRetryDelay 获取首次重试延迟
func (c *ClientConfig) GetRetryDelay() time.Duration {
	return parseDuration(c.Connection.RetryDelay, 200*time.Millisecond)
}

// GetFirstPayloadTimeout 获取首包等待时间；显式配置为0时返回负数表示不等待
func (c *ClientConfig) GetFirstPayloadTimeout() time.Duration {
	if c.Connection.FirstPayloadTimeout == "" {
		return trojan.DefaultFirstPayloadTimeout
	}
	d, err := time.ParseDuration(c.Connection.FirstPayloadTimeout)
	if err != nil {
		return trojan.DefaultFirstPayloadTimeout
	}
	if d == 0 {
		return -1
	}
	return d
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
