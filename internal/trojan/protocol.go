package trojan

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"trojan-tunnel/pkg/socks5"
)

/*
+-----------------------+---------+-----+------+----------+----------+---------+----------+
| hex(SHA224(password)) |  CRLF   | CMD | ATYP | DST.ADDR | DST.PORT |  CRLF   | Payload  |
+-----------------------+---------+-----+------+----------+----------+---------+----------+
|          56           | X'0D0A' |  1  |  1   | Variable |    2     | X'0D0A' | Variable |
+-----------------------+---------+-----+------+----------+----------+---------+----------+
*/

const (
	// CredentialSize SHA224十六进制摘要长度
	CredentialSize = 56

	// MaxHandshakeSize 服务端一次读取握手的缓冲区大小
	MaxHandshakeSize = 8192
)

// Command 命令类型
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

// CRLF Trojan协议的分隔符
var CRLF = []byte{'\r', '\n'}

// Handshake Trojan握手请求
type Handshake struct {
	Credential  string
	Command     Command
	Destination socks5.Destination
	Payload     []byte
}

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

// HashPassword 计算密码的SHA224十六进制摘要（56字节）
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// VerifyCredential 常量时间比较凭证
func VerifyCredential(credential, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(credential), []byte(digest)) == 1
}

// ParseHandshake 解析握手请求
func ParseHandshake(buf []byte) (*Handshake, error) {
	if len(buf) < CredentialSize {
		return nil, ErrTruncatedHandshake
	}
	credential := string(buf[:CredentialSize])

	rest, err := consumeCRLF(buf[CredentialSize:])
	if err != nil {
		return nil, err
	}

	if len(rest) < 1 {
		return nil, ErrTruncatedHandshake
	}
	cmd := Command(rest[0])
	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, rest[0])
	}

	dest, rest, err := socks5.DecodeDestination(rest[1:])
	if err != nil {
		return nil, err
	}

	rest, err = consumeCRLF(rest)
	if err != nil {
		return nil, err
	}

	return &Handshake{
		Credential:  credential,
		Command:     cmd,
		Destination: dest,
		Payload:     append([]byte{}, rest...),
	}, nil
}

// Bytes 编码握手请求（仅客户端使用）
func (h *Handshake) Bytes() []byte {
	dest := h.Destination.Bytes()
	buf := make([]byte, 0, len(h.Credential)+len(dest)+len(h.Payload)+5)

	buf = append(buf, h.Credential...)
	buf = append(buf, CRLF...)
	buf = append(buf, byte(h.Command))
	buf = append(buf, dest...)
	buf = append(buf, CRLF...)
	buf = append(buf, h.Payload...)

	return buf
}

func consumeCRLF(buf []byte) ([]byte, error) {
	if len(buf) < len(CRLF) || !bytes.Equal(buf[:len(CRLF)], CRLF) {
		return nil, ErrMalformedHandshake
	}
	return buf[len(CRLF):], nil
}
