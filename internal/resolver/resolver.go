package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var ErrNoAddress = errors.New("no address found")

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTimeout  = 5 * time.Second
)

// Resolver 域名解析
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// Config 解析器配置
type Config struct {
	// Nameservers 为空时使用系统解析器
	Nameservers []string
	CacheTTL    time.Duration
	Timeout     time.Duration
}

// DNSResolver 带TTL缓存的DNS解析器
type DNSResolver struct {
	client      *dns.Client
	nameservers []string
	system      *net.Resolver
	cacheTTL    time.Duration
	cache       *cache.Cache
}

// New 创建解析器
func New(config Config) *DNSResolver {
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	nameservers := make([]string, 0, len(config.Nameservers))
	for _, ns := range config.Nameservers {
		nameservers = append(nameservers, normalizeNameserver(ns))
	}

	return &DNSResolver{
		client:      &dns.Client{Net: "udp", Timeout: timeout},
		nameservers: nameservers,
		system:      net.DefaultResolver,
		cacheTTL:    ttl,
		cache:       cache.New(ttl, 2*ttl),
	}
}

func normalizeNameserver(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	return net.JoinHostPort(strings.Trim(ns, "[]"), "53")
}

// Resolve 解析主机名，返回一个地址；IP字面量直接返回
func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	key := strings.ToLower(dns.Fqdn(host))
	if v, ok := r.cache.Get(key); ok {
		return v.(net.IP), nil
	}

	var (
		ip  net.IP
		ttl time.Duration
		err error
	)
	if len(r.nameservers) == 0 {
		ip, err = r.lookupSystem(ctx, host)
		ttl = r.cacheTTL
	} else {
		ip, ttl, err = r.lookup(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	r.cache.Set(key, ip, ttl)
	return ip, nil
}

func (r *DNSResolver) lookupSystem(ctx context.Context, host string) (net.IP, error) {
	addrs, err := r.system.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, ErrNoAddress
}

// lookup 依次查询各个nameserver，优先A记录，其次AAAA
func (r *DNSResolver) lookup(ctx context.Context, fqdn string) (net.IP, time.Duration, error) {
	var lastErr error = ErrNoAddress

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, ns := range r.nameservers {
			ip, ttl, err := r.exchange(ctx, fqdn, qtype, ns)
			if err == nil {
				return ip, ttl, nil
			}
			logrus.Debugf("DNS query %s %s via %s failed: %v", dns.TypeToString[qtype], fqdn, ns, err)
			lastErr = err
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
		}
	}

	return nil, 0, lastErr
}

func (r *DNSResolver) exchange(ctx context.Context, fqdn string, qtype uint16, nameserver string) (net.IP, time.Duration, error) {
	request := new(dns.Msg)
	request.SetQuestion(fqdn, qtype)
	request.RecursionDesired = true

	response, _, err := r.client.ExchangeContext(ctx, request, nameserver)
	if err != nil {
		return nil, 0, err
	}
	if response.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("%w: rcode %s", ErrNoAddress, dns.RcodeToString[response.Rcode])
	}

	for _, answer := range response.Answer {
		var ip net.IP
		switch rr := answer.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		return ip, r.recordTTL(answer.Header().Ttl), nil
	}

	return nil, 0, ErrNoAddress
}

// recordTTL 记录TTL不超过配置的缓存时间
func (r *DNSResolver) recordTTL(seconds uint32) time.Duration {
	ttl := time.Duration(seconds) * time.Second
	if ttl <= 0 || ttl > r.cacheTTL {
		return r.cacheTTL
	}
	return ttl
}
