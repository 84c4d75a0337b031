package socks5

import (
	"errors"
	"fmt"
)

const (
	Version = 0x05

	MethodNoAuth       = 0x00
	MethodUsernamePass = 0x02
	MethodNoAcceptable = 0xFF

	CmdConnect = 0x01
	CmdBind    = 0x02
	CmdUDP     = 0x03

	ReplySuccess             = 0x00
	ReplyGeneralFailure      = 0x01
	ReplyNetworkUnreachable  = 0x03
	ReplyHostUnreachable     = 0x04
	ReplyConnectionRefused   = 0x05
	ReplyCommandNotSupported = 0x07
)

var (
	ErrProtocolViolation = errors.New("socks5 protocol violation")
)

// NoAuthResponse 选择无认证方法的应答
var NoAuthResponse = []byte{Version, MethodNoAuth}

// Greeting 客户端问候消息
type Greeting struct {
	Methods []byte
}

// Request SOCKS5请求
type Request struct {
	Command     byte
	Destination Destination
}

// ParseGreeting 解析问候消息 [ver][nmethods][methods...]，返回剩余字节
func ParseGreeting(buf []byte) (*Greeting, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: short greeting", ErrProtocolViolation)
	}
	if buf[0] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocolViolation, buf[0])
	}
	n := int(buf[1])
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("%w: expected %d methods, got %d", ErrProtocolViolation, n, len(buf))
	}

	return &Greeting{Methods: append([]byte(nil), buf[:n]...)}, buf[n:], nil
}

// ParseRequest 解析请求 [ver][cmd][rsv][destination]，返回剩余字节
func ParseRequest(buf []byte) (*Request, []byte, error) {
	if len(buf) < 3 {
		return nil, nil, fmt.Errorf("%w: short request", ErrProtocolViolation)
	}
	if buf[0] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocolViolation, buf[0])
	}
	cmd := buf[1]
	switch cmd {
	case CmdConnect, CmdBind, CmdUDP:
	default:
		return nil, nil, fmt.Errorf("%w: unknown command 0x%02x", ErrProtocolViolation, cmd)
	}
	if buf[2] != 0x00 {
		return nil, nil, fmt.Errorf("%w: reserved byte must be zero", ErrProtocolViolation)
	}

	dest, rest, err := DecodeDestination(buf[3:])
	if err != nil {
		return nil, nil, err
	}

	return &Request{Command: cmd, Destination: dest}, rest, nil
}

// Bytes 编码请求
func (r *Request) Bytes() []byte {
	buf := []byte{Version, r.Command, 0x00}
	return append(buf, r.Destination.Bytes()...)
}

// BuildReply 构建应答 [ver][rep][rsv][bound address]，bound为空时使用 0.0.0.0:0
func BuildReply(reply byte, bound *Destination) []byte {
	buf := []byte{Version, reply, 0x00}
	if bound == nil {
		return append(buf, AddrTypeIPv4, 0, 0, 0, 0, 0, 0)
	}
	return append(buf, bound.Bytes()...)
}
