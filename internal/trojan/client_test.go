package trojan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/pkg/socks5"
)

// loopbackTunneler 每次打开隧道时建立一对回环TCP连接，服务端一侧交给测试
type loopbackTunneler struct {
	ln      net.Listener
	remotes chan net.Conn
	err     error
}

func newLoopbackTunneler(t *testing.T) *loopbackTunneler {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	tun := &loopbackTunneler{ln: ln, remotes: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tun.remotes <- conn
		}
	}()
	return tun
}

func (l *loopbackTunneler) OpenTunnel(ctx context.Context) (transport.Stream, error) {
	if l.err != nil {
		return nil, l.err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", l.ln.Addr().String())
	if err != nil {
		return nil, err
	}
	return transport.Wrap(conn), nil
}

func (l *loopbackTunneler) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-l.remotes:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no tunnel opened")
		return nil
	}
}

func newTestClient(t *testing.T, tunneler Tunneler, firstPayloadTimeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{
		Digest:              HashPassword("secret"),
		Tunneler:            tunneler,
		FirstPayloadTimeout: firstPayloadTimeout,
	})
	require.NoError(t, err)
	return c
}

// startLocal 启动ServeConn，返回本地应用一侧（TCP，便于读取绑定地址）
func startLocal(t *testing.T, c *Client) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c.ServeConn(context.Background(), conn)
	}()

	app, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

// readHandshake 从隧道服务端一侧读取完整握手
func readHandshake(t *testing.T, conn net.Conn, payloadLen int) *Handshake {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var buf []byte
	tmp := make([]byte, MaxHandshakeSize)
	for {
		n, err := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if hs, perr := ParseHandshake(buf); perr == nil && len(hs.Payload) >= payloadLen {
			return hs
		}
		require.NoError(t, err)
	}
}

func TestClient_SOCKS5Handshake(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, 50*time.Millisecond)
	app := startLocal(t, c)

	_, err := app.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, readN(t, app, 2))

	_, err = app.Write([]byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0, 80})
	require.NoError(t, err)

	remote := tunneler.next(t)

	// 应答中的地址是隧道的本地绑定地址
	bound, err := socks5.FromAddr(remote.RemoteAddr())
	require.NoError(t, err)
	want := socks5.BuildReply(socks5.ReplySuccess, &bound)
	assert.Equal(t, want, readN(t, app, len(want)))

	// 无首包：超时后发送空payload的握手
	hs := readHandshake(t, remote, 0)
	assert.Equal(t, HashPassword("secret"), hs.Credential)
	assert.Equal(t, CmdConnect, hs.Command)
	assert.True(t, hs.Destination.Equal(socks5.IPDestination(net.IPv4(8, 8, 8, 8), 80)))
	assert.Empty(t, hs.Payload)

	// 握手后为透明转发
	_, err = app.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(readN(t, remote, 4)))

	_, err = remote.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(readN(t, app, 4)))
}

func TestClient_FirstPayloadInHandshake(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, time.Second)
	app := startLocal(t, c)

	app.Write([]byte{0x05, 0x01, 0x00})
	readN(t, app, 2)

	req := &socks5.Request{Command: socks5.CmdConnect, Destination: socks5.DomainDestination("example.com", 443)}
	app.Write(req.Bytes())

	remote := tunneler.next(t)
	readN(t, app, 10)

	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	app.Write(payload)

	hs := readHandshake(t, remote, len(payload))
	assert.Equal(t, "example.com", hs.Destination.Domain)
	assert.Equal(t, uint16(443), hs.Destination.Port)
	assert.Equal(t, payload, hs.Payload)
}

func TestClient_PipelinedRequest(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, -1)
	app := startLocal(t, c)

	// 问候与请求在同一次写入中到达
	msg := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x1f, 0x90}
	app.Write(msg)

	assert.Equal(t, []byte{0x05, 0x00}, readN(t, app, 2))
	remote := tunneler.next(t)
	readN(t, app, 10)

	hs := readHandshake(t, remote, 0)
	assert.True(t, hs.Destination.Equal(socks5.IPDestination(net.IPv4(1, 2, 3, 4), 8080)))
}

func TestClient_MalformedGreetingAborts(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, 0)
	app := startLocal(t, c)

	app.Write([]byte{0x04, 0x01, 0x00})

	app.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := app.Read(make([]byte, 2))
	assert.ErrorIs(t, err, io.EOF)
}

func TestClient_UnsupportedCommand(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, 0)
	app := startLocal(t, c)

	app.Write([]byte{0x05, 0x01, 0x00})
	readN(t, app, 2)
	app.Write([]byte{0x05, socks5.CmdBind, 0x00, 0x01, 8, 8, 8, 8, 0, 80})

	assert.Equal(t, socks5.BuildReply(socks5.ReplyCommandNotSupported, nil), readN(t, app, 10))

	_, err := app.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestClient_TunnelFailure(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	tunneler.err = errors.New("tls handshake failed")
	c := newTestClient(t, tunneler, 0)
	app := startLocal(t, c)

	app.Write([]byte{0x05, 0x01, 0x00})
	readN(t, app, 2)
	app.Write([]byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0, 80})

	assert.Equal(t, socks5.BuildReply(socks5.ReplyGeneralFailure, nil), readN(t, app, 10))
}

func TestClient_ServeRejectsOverLimit(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, 0)
	c.admission = proxy.NewAdmission(1, 0, 0, false, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go c.Serve(context.Background(), ln)
	t.Cleanup(func() { c.Close() })

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	first.Write([]byte{0x05, 0x01, 0x00})
	assert.Equal(t, socks5.NoAuthResponse, readN(t, first, 2))

	// 第一个连接仍在握手中，第二个连接被拒绝并直接关闭
	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.Write([]byte{0x05, 0x01, 0x00})

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = second.Read(make([]byte, 2))
	assert.Error(t, err)
	assert.EqualValues(t, 1, c.admission.ActiveCount())
}

func TestClient_Dial(t *testing.T) {
	tunneler := newLoopbackTunneler(t)
	c := newTestClient(t, tunneler, 0)

	dest := socks5.DomainDestination("example.com", 80)
	stream, err := c.Dial(context.Background(), dest, []byte("hello"))
	require.NoError(t, err)
	defer stream.Close()

	remote := tunneler.next(t)
	hs := readHandshake(t, remote, 5)
	assert.True(t, bytes.Equal([]byte("hello"), hs.Payload))
	assert.True(t, hs.Destination.Equal(dest))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(&ClientConfig{Digest: "x", Tunneler: &loopbackTunneler{}})
	assert.Error(t, err)

	_, err = NewClient(&ClientConfig{Digest: HashPassword("x")})
	assert.Error(t, err)
}
