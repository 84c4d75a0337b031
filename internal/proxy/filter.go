package proxy

import (
	"errors"
	"fmt"
	"net"
)

var ErrDestinationDenied = errors.New("destination denied")

// PrivateNetworks 回环、私有及链路本地地址段
var PrivateNetworks = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// IPFilter 出站目标过滤器，创建后只读
type IPFilter struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewIPFilter 创建IP过滤器，allow为空时允许所有未被deny的地址
func NewIPFilter(allow, deny []string) (*IPFilter, error) {
	f := &IPFilter{}
	var err error
	if f.allow, err = parseCIDRs(allow); err != nil {
		return nil, err
	}
	if f.deny, err = parseCIDRs(deny); err != nil {
		return nil, err
	}
	return f, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// IsAllowed 检查IP是否允许，黑名单优先
func (f *IPFilter) IsAllowed(ip net.IP) bool {
	for _, ipNet := range f.deny {
		if ipNet.Contains(ip) {
			return false
		}
	}

	if len(f.allow) == 0 {
		return true
	}
	for _, ipNet := range f.allow {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
