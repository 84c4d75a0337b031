package proxy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"trojan-tunnel/pkg/socks5"
)

// 出口地址选择策略
const (
	EgressRoundRobin  = "round_robin"
	EgressDestination = "destination"
)

// EgressSelector 为出站连接选择本地源地址
type EgressSelector interface {
	// Select 返回与target同地址族的源地址，nil表示由系统选择
	Select(dest socks5.Destination, target net.IP) net.IP
}

// NewEgressSelector 按策略创建选择器，ips为空时返回nil
func NewEgressSelector(strategy string, ips []string) (EgressSelector, error) {
	if len(ips) == 0 {
		return nil, nil
	}

	var v4, v6 []net.IP
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid egress IP: %s", s)
		}
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	switch strategy {
	case "", EgressRoundRobin:
		return &roundRobinEgress{v4: v4, v6: v6}, nil
	case EgressDestination:
		return &destinationEgress{v4: v4, v6: v6}, nil
	default:
		return nil, fmt.Errorf("unknown egress strategy: %s", strategy)
	}
}

func sameFamily(v4, v6 []net.IP, target net.IP) []net.IP {
	if target.To4() != nil {
		return v4
	}
	return v6
}

// roundRobinEgress 轮询
type roundRobinEgress struct {
	v4, v6 []net.IP
	next   atomic.Uint64
}

func (r *roundRobinEgress) Select(_ socks5.Destination, target net.IP) net.IP {
	ips := sameFamily(r.v4, r.v6, target)
	if len(ips) == 0 {
		return nil
	}
	return ips[(r.next.Add(1)-1)%uint64(len(ips))]
}

// destinationEgress 同一目标始终使用同一出口
type destinationEgress struct {
	v4, v6 []net.IP
}

func (d *destinationEgress) Select(dest socks5.Destination, target net.IP) net.IP {
	ips := sameFamily(d.v4, d.v6, target)
	if len(ips) == 0 {
		return nil
	}
	hash := sha256.Sum256([]byte(dest.String()))
	return ips[binary.BigEndian.Uint64(hash[:8])%uint64(len(ips))]
}
