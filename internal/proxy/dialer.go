package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"trojan-tunnel/internal/resolver"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/pkg/socks5"
)

var ErrUnreachableDestination = errors.New("unreachable destination")

// Dialer 出站连接
type Dialer struct {
	Resolver  resolver.Resolver
	Timeout   time.Duration
	KeepAlive time.Duration

	// Filter 非空时拒绝不允许的目标地址
	Filter *IPFilter

	// Egress 非空时为出站连接选择源地址
	Egress EgressSelector
}

// Connect 连接目标地址；域名先经Resolver解析为一个地址
func (d *Dialer) Connect(ctx context.Context, dest socks5.Destination) (transport.Stream, error) {
	host := dest.Host()
	if dest.IsDomain() && d.Resolver != nil {
		ip, err := d.Resolver.Resolve(ctx, dest.Domain)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachableDestination, dest, err)
		}
		host = ip.String()
	}

	if d.Filter != nil {
		ip := net.ParseIP(host)
		if ip == nil {
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnreachableDestination, dest, err)
			}
			ip = ips[0]
			host = ip.String()
		}
		if !d.Filter.IsAllowed(ip) {
			return nil, fmt.Errorf("%w: %w: %s", ErrUnreachableDestination, ErrDestinationDenied, dest)
		}
	}

	dialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}
	if d.Egress != nil {
		if ip := net.ParseIP(host); ip != nil {
			if local := d.Egress.Select(dest, ip); local != nil {
				dialer.LocalAddr = &net.TCPAddr{IP: local}
			}
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(dest.Port))))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachableDestination, dest, err)
	}

	return transport.Wrap(conn), nil
}
