package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"unicode/utf8"
)

const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04

	// MaxDomainLength 域名长度由单字节前缀表示
	MaxDomainLength = 255
)

var (
	ErrMalformedAddress = errors.New("malformed address")
)

// Destination 目标地址：IP+端口 或 域名+端口，二者只能设置其一
// IP长度决定地址族：4字节为IPv4，16字节为IPv6
type Destination struct {
	IP     net.IP
	Domain string
	Port   uint16
}

// IPDestination 由IP和端口构造目标地址
func IPDestination(ip net.IP, port uint16) Destination {
	if ip4 := ip.To4(); ip4 != nil {
		return Destination{IP: ip4, Port: port}
	}
	return Destination{IP: ip.To16(), Port: port}
}

// DomainDestination 由域名和端口构造目标地址
func DomainDestination(domain string, port uint16) Destination {
	return Destination{Domain: domain, Port: port}
}

// ParseDestination 解析 host:port 字符串
func ParseDestination(hostport string) (Destination, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Destination{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var d Destination
	if ip := net.ParseIP(host); ip != nil {
		d = IPDestination(ip, uint16(port))
	} else {
		d = DomainDestination(host, uint16(port))
	}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// FromAddr 从net.Addr构造目标地址（用于SOCKS5应答中的绑定地址）
func FromAddr(addr net.Addr) (Destination, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return IPDestination(a.IP, uint16(a.Port)), nil
	case *net.UDPAddr:
		return IPDestination(a.IP, uint16(a.Port)), nil
	default:
		return ParseDestination(addr.String())
	}
}

// IsDomain 是否为域名地址
func (d Destination) IsDomain() bool {
	return d.IP == nil
}

// Validate 检查地址是否可以编码
func (d Destination) Validate() error {
	if d.IP != nil {
		if d.Domain != "" {
			return fmt.Errorf("%w: both ip and domain set", ErrMalformedAddress)
		}
		if len(d.IP) != net.IPv4len && len(d.IP) != net.IPv6len {
			return fmt.Errorf("%w: invalid ip length %d", ErrMalformedAddress, len(d.IP))
		}
		return nil
	}
	if d.Domain == "" {
		return fmt.Errorf("%w: empty destination", ErrMalformedAddress)
	}
	if len(d.Domain) > MaxDomainLength {
		return fmt.Errorf("%w: domain longer than %d bytes", ErrMalformedAddress, MaxDomainLength)
	}
	return nil
}

// Equal 比较两个目标地址
func (d Destination) Equal(other Destination) bool {
	if d.Port != other.Port || d.Domain != other.Domain {
		return false
	}
	if d.IP == nil || other.IP == nil {
		return d.IP == nil && other.IP == nil
	}
	// 地址族不同视为不同地址，::ffff:a.b.c.d 不等于 a.b.c.d
	return bytes.Equal(d.IP, other.IP)
}

// Host 返回主机部分
func (d Destination) Host() string {
	if d.IP != nil {
		return d.IP.String()
	}
	return d.Domain
}

// String 返回 host:port
func (d Destination) String() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.Port)))
}

// Bytes 编码为 [atype][addr][port]
func (d Destination) Bytes() []byte {
	buf := make([]byte, 0, 1+1+len(d.Domain)+net.IPv6len+2)

	switch {
	case d.IP == nil:
		buf = append(buf, AddrTypeDomain, byte(len(d.Domain)))
		buf = append(buf, d.Domain...)
	case len(d.IP) == net.IPv4len:
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, d.IP...)
	default:
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, d.IP.To16()...)
	}

	return binary.BigEndian.AppendUint16(buf, d.Port)
}

// DecodeDestination 解码目标地址，返回剩余字节
func DecodeDestination(buf []byte) (Destination, []byte, error) {
	if len(buf) < 1 {
		return Destination{}, nil, fmt.Errorf("%w: missing address type", ErrMalformedAddress)
	}
	atype, buf := buf[0], buf[1:]

	var d Destination
	switch atype {
	case AddrTypeIPv4:
		if len(buf) < net.IPv4len {
			return Destination{}, nil, fmt.Errorf("%w: short ipv4 address", ErrMalformedAddress)
		}
		d.IP = net.IP(append([]byte(nil), buf[:net.IPv4len]...))
		buf = buf[net.IPv4len:]

	case AddrTypeIPv6:
		if len(buf) < net.IPv6len {
			return Destination{}, nil, fmt.Errorf("%w: short ipv6 address", ErrMalformedAddress)
		}
		d.IP = net.IP(append([]byte(nil), buf[:net.IPv6len]...))
		buf = buf[net.IPv6len:]

	case AddrTypeDomain:
		if len(buf) < 1 {
			return Destination{}, nil, fmt.Errorf("%w: missing domain length", ErrMalformedAddress)
		}
		n := int(buf[0])
		buf = buf[1:]
		if len(buf) < n {
			return Destination{}, nil, fmt.Errorf("%w: domain length %d exceeds buffer", ErrMalformedAddress, n)
		}
		if !utf8.Valid(buf[:n]) {
			return Destination{}, nil, fmt.Errorf("%w: domain is not valid utf-8", ErrMalformedAddress)
		}
		d.Domain = string(buf[:n])
		buf = buf[n:]

	default:
		return Destination{}, nil, fmt.Errorf("%w: unknown address type 0x%02x", ErrMalformedAddress, atype)
	}

	if len(buf) < 2 {
		return Destination{}, nil, fmt.Errorf("%w: missing port", ErrMalformedAddress)
	}
	d.Port = binary.BigEndian.Uint16(buf[:2])

	return d, buf[2:], nil
}
