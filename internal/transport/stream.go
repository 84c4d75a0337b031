package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNotWebSocket    = errors.New("not a websocket upgrade request")
)

// Stream 双工字节流：TCP、TLS、WebSocket-over-TLS 均实现此接口
type Stream interface {
	net.Conn
	// CloseWrite 关闭写方向（半关闭）
	CloseWrite() error
}

// Wrap 将net.Conn包装为Stream；不支持半关闭的连接以Close代替
func Wrap(conn net.Conn) Stream {
	if s, ok := conn.(Stream); ok {
		return s
	}
	return &fullCloseStream{Conn: conn}
}

type fullCloseStream struct {
	net.Conn
}

func (s *fullCloseStream) CloseWrite() error {
	return s.Conn.Close()
}

// IsClosed 判断错误是否属于正常的连接关闭
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

var (
	_ Stream = (*net.TCPConn)(nil)
	_ Stream = (*tls.Conn)(nil)
)
