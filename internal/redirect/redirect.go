package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrMalformedRequest = errors.New("malformed redirect request")

const (
	maxRequestSize = 4096
	readTimeout    = 10 * time.Second
)

// GetRequest 重定向所需的请求信息
type GetRequest struct {
	URI  string
	Host string
}

// ParseGetRequest 解析请求：第一行必须是 GET <uri>，第二行必须是 Host: <host>
func ParseGetRequest(raw string) (*GetRequest, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: not enough lines", ErrMalformedRequest)
	}

	first := strings.Fields(lines[0])
	if len(first) < 2 || first[0] != "GET" {
		return nil, fmt.Errorf("%w: not a GET request", ErrMalformedRequest)
	}

	second := strings.Fields(lines[1])
	if len(second) < 2 || !strings.EqualFold(second[0], "Host:") {
		return nil, fmt.Errorf("%w: missing host header", ErrMalformedRequest)
	}

	return &GetRequest{URI: first[1], Host: stripDefaultPort(second[1])}, nil
}

// stripDefaultPort 去掉80端口，其他端口保留
func stripDefaultPort(host string) string {
	if h, port, err := net.SplitHostPort(host); err == nil && port == "80" {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// Location 重定向目标
func (r *GetRequest) Location() string {
	return "https://" + r.Host + r.URI
}

// Response 生成301响应
func Response(req *GetRequest) []byte {
	return []byte("HTTP/1.1 301 Moved Permanently\r\n" +
		"Location: " + req.Location() + "\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n\r\n")
}

// Responder 明文HTTP端口的重定向服务
type Responder struct {
	wg sync.WaitGroup
}

// Serve 处理连接直到ctx取消或listener关闭
func (r *Responder) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	logrus.Infof("HTTP redirect listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			return err
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.ServeConn(conn); err != nil {
				logrus.Debugf("Redirect %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn 读取一次请求并回复重定向
func (r *Responder) ServeConn(conn net.Conn) error {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if n == 0 {
		return err
	}

	req, err := ParseGetRequest(string(buf[:n]))
	if err != nil {
		return err
	}

	_, err = conn.Write(Response(req))
	return err
}
