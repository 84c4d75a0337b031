package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const websocketCloseTimeout = time.Second

// WebSocketConn 在WebSocket上实现Stream：每个二进制帧对应一次读取，每次写入发送一个二进制帧
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
	eof    bool
}

// NewWebSocketConn 包装已建立的WebSocket连接
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	for {
		if c.eof {
			return 0, io.EOF
		}
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					c.eof = true
					return 0, io.EOF
				}
				return 0, err
			}
			// 文本帧视为流结束
			if messageType != websocket.BinaryMessage {
				c.eof = true
				return 0, io.EOF
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite 发送关闭帧
func (c *WebSocketConn) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(websocketCloseTimeout))
}

func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return c.ws.UnderlyingConn().SetDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// DialWebSocket 在已完成TLS握手的连接上发起WebSocket升级
func DialWebSocket(ctx context.Context, conn net.Conn, host, path string) (*WebSocketConn, error) {
	u := url.URL{Scheme: "wss", Host: host, Path: path}

	dialer := websocket.Dialer{
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn, nil
		},
		HandshakeTimeout: 10 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket upgrade failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	return NewWebSocketConn(ws), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AcceptWebSocket 读取HTTP升级请求并完成WebSocket握手。
// 失败时返回已从conn读取的全部原始字节，以便转发给回落地址。
func AcceptWebSocket(conn net.Conn, path string) (*WebSocketConn, []byte, error) {
	rec := &recordingReader{r: conn}
	br := bufio.NewReader(rec)

	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, rec.Bytes(), fmt.Errorf("%w: %v", ErrNotWebSocket, err)
	}
	if req.URL.Path != path || !websocket.IsWebSocketUpgrade(req) || br.Buffered() > 0 {
		return nil, rec.Bytes(), ErrNotWebSocket
	}

	w := &hijackWriter{
		conn: conn,
		brw:  bufio.NewReadWriter(br, bufio.NewWriter(conn)),
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		if w.hijacked {
			return nil, nil, err
		}
		return nil, rec.Bytes(), fmt.Errorf("%w: %v", ErrNotWebSocket, err)
	}

	return NewWebSocketConn(ws), nil, nil
}

// recordingReader 记录从底层连接读取的所有字节
type recordingReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.buf.Write(p[:n])
	return n, err
}

func (r *recordingReader) Bytes() []byte {
	return r.buf.Bytes()
}

// hijackWriter 为Upgrader提供http.Hijacker；升级前的错误响应被丢弃，由回落处理
type hijackWriter struct {
	conn     net.Conn
	brw      *bufio.ReadWriter
	header   http.Header
	hijacked bool
}

func (w *hijackWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	return len(b), nil
}

func (w *hijackWriter) WriteHeader(int) {}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return w.conn, w.brw, nil
}
