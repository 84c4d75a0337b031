package trojan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/resolver"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/pkg/socks5"
)

const (
	// DefaultFirstPayloadTimeout 等待本地应用首个数据包的时间
	DefaultFirstPayloadTimeout = 100 * time.Millisecond

	socksBufferSize = 1024

	// maxFirstPayload 保证握手整体不超过服务端一次读取的大小
	maxFirstPayload = MaxHandshakeSize - CredentialSize - 2*2 - 1 - (2 + socks5.MaxDomainLength + 2)
)

// Tunneler 建立到服务器的隧道
type Tunneler interface {
	OpenTunnel(ctx context.Context) (transport.Stream, error)
}

// WebSocketOptions 客户端WebSocket参数
type WebSocketOptions struct {
	Host string
	Path string
}

// TLSTunneler 通过TLS（可选WebSocket）连接服务器
type TLSTunneler struct {
	ServerAddr  string
	TLS         *transport.ClientTLSConfig
	WebSocket   *WebSocketOptions
	DialTimeout time.Duration
	KeepAlive   time.Duration

	// Resolver 非空时由它解析服务器域名，SNI仍使用域名
	Resolver resolver.Resolver

	// Retry 连接服务器失败时的重试策略，为空不重试
	Retry *proxy.Backoff
}

// OpenTunnel 实现Tunneler
func (t *TLSTunneler) OpenTunnel(ctx context.Context) (transport.Stream, error) {
	if t.Retry == nil {
		return t.open(ctx)
	}

	var tunnel transport.Stream
	err := t.Retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		tunnel, err = t.open(ctx)
		return err
	})
	return tunnel, err
}

func (t *TLSTunneler) open(ctx context.Context) (transport.Stream, error) {
	if t.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.DialTimeout)
		defer cancel()
	}

	addr, tlsConfig, err := t.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server: %w", err)
	}

	dialer := &net.Dialer{KeepAlive: t.KeepAlive}
	conn, err := transport.DialTLS(ctx, dialer, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if t.WebSocket == nil {
		return conn, nil
	}

	host := t.WebSocket.Host
	if host == "" {
		host = tlsConfig.SNI
	}
	if host == "" {
		host, _, _ = net.SplitHostPort(t.ServerAddr)
	}
	ws, err := transport.DialWebSocket(ctx, conn, host, t.WebSocket.Path)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

func (t *TLSTunneler) resolve(ctx context.Context) (string, *transport.ClientTLSConfig, error) {
	tlsConfig := &transport.ClientTLSConfig{}
	if t.TLS != nil {
		*tlsConfig = *t.TLS
	}

	host, port, err := net.SplitHostPort(t.ServerAddr)
	if err != nil {
		return "", nil, err
	}
	if tlsConfig.SNI == "" && net.ParseIP(host) == nil {
		tlsConfig.SNI = host
	}
	if t.Resolver == nil || net.ParseIP(host) != nil {
		return t.ServerAddr, tlsConfig, nil
	}

	ip, err := t.Resolver.Resolve(ctx, host)
	if err != nil {
		return "", nil, err
	}
	return net.JoinHostPort(ip.String(), port), tlsConfig, nil
}

// ClientConfig 客户端配置，启动后只读
type ClientConfig struct {
	// Digest 密码的SHA224十六进制摘要
	Digest   string
	Tunneler Tunneler

	// FirstPayloadTimeout 为0时使用默认值，负数表示不等待
	FirstPayloadTimeout time.Duration
}

// Client 本地SOCKS5入口，将请求转为Trojan隧道
type Client struct {
	config    ClientConfig
	admission *proxy.Admission

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
}

// NewClient 创建Trojan客户端
func NewClient(config *ClientConfig) (*Client, error) {
	if len(config.Digest) != CredentialSize {
		return nil, fmt.Errorf("invalid credential digest length %d", len(config.Digest))
	}
	if config.Tunneler == nil {
		return nil, errors.New("tunneler is required")
	}

	c := &Client{
		config:    *config,
		admission: proxy.NewAdmission(0, 0, 0, false, 0),
		listeners: make(map[net.Listener]struct{}),
	}
	if c.config.FirstPayloadTimeout == 0 {
		c.config.FirstPayloadTimeout = DefaultFirstPayloadTimeout
	}
	return c, nil
}

// Dial 打开隧道并发送握手，返回可直接读写目标数据的流
func (c *Client) Dial(ctx context.Context, dest socks5.Destination, payload []byte) (transport.Stream, error) {
	tunnel, err := c.config.Tunneler.OpenTunnel(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.sendHandshake(tunnel, dest, payload); err != nil {
		tunnel.Close()
		return nil, err
	}
	return tunnel, nil
}

func (c *Client) sendHandshake(tunnel transport.Stream, dest socks5.Destination, payload []byte) error {
	hs := &Handshake{
		Credential:  c.config.Digest,
		Command:     CmdConnect,
		Destination: dest,
		Payload:     payload,
	}
	if _, err := tunnel.Write(hs.Bytes()); err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}
	return nil
}

// Serve 接受本地SOCKS5连接直到ctx取消或listener关闭
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	c.mu.Lock()
	c.listeners[ln] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.listeners, ln)
		c.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	logrus.Infof("SOCKS5 listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !c.admission.Admit(conn) {
			logrus.Debugf("Rejected local connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.admission.Release(conn)
			c.ServeConn(ctx, conn)
		}()
	}
}

// Close 关闭listener和所有本地连接
func (c *Client) Close() error {
	c.mu.Lock()
	for ln := range c.listeners {
		ln.Close()
	}
	c.mu.Unlock()

	c.admission.CloseAll()
	c.wg.Wait()
	return nil
}

// ServeConn 处理一个本地SOCKS5连接，返回时连接已关闭
func (c *Client) ServeConn(ctx context.Context, conn net.Conn) {
	sess := &clientSession{
		client: c,
		local:  transport.Wrap(conn),
		log: logrus.WithFields(logrus.Fields{
			"session": uuid.NewString(),
			"local":   conn.RemoteAddr().String(),
		}),
	}
	defer sess.local.Close()

	var state clientState = awaitingGreeting{}
	for state != nil {
		next, err := state.step(ctx, sess)
		if err != nil {
			sess.log.Debugf("Session aborted: %v", err)
			return
		}
		state = next
	}
}

type clientSession struct {
	client *Client
	local  transport.Stream
	log    *logrus.Entry
}

// clientState 客户端会话状态，每次转移返回新的状态值，nil表示结束
type clientState interface {
	step(ctx context.Context, sess *clientSession) (clientState, error)
}

// awaitingGreeting 等待SOCKS5问候
type awaitingGreeting struct{}

func (awaitingGreeting) step(ctx context.Context, sess *clientSession) (clientState, error) {
	buf := make([]byte, socksBufferSize)
	n, err := sess.local.Read(buf)
	if n == 0 {
		if err == nil {
			err = socks5.ErrProtocolViolation
		}
		return nil, err
	}

	_, rest, err := socks5.ParseGreeting(buf[:n])
	if err != nil {
		return nil, err
	}
	if _, err := sess.local.Write(socks5.NoAuthResponse); err != nil {
		return nil, err
	}

	return awaitingRequest{pending: rest}, nil
}

// awaitingRequest 等待SOCKS5请求并建立隧道
type awaitingRequest struct {
	pending []byte
}

func (st awaitingRequest) step(ctx context.Context, sess *clientSession) (clientState, error) {
	buf := st.pending
	if len(buf) == 0 {
		buf = make([]byte, socksBufferSize)
		n, err := sess.local.Read(buf)
		if n == 0 {
			if err == nil {
				err = socks5.ErrProtocolViolation
			}
			return nil, err
		}
		buf = buf[:n]
	}

	req, rest, err := socks5.ParseRequest(buf)
	if err != nil {
		sess.reply(socks5.ReplyGeneralFailure, nil)
		return nil, err
	}
	if req.Command != socks5.CmdConnect {
		sess.reply(socks5.ReplyCommandNotSupported, nil)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, Command(req.Command))
	}
	sess.log = sess.log.WithField("target", req.Destination.String())

	tunnel, err := sess.client.config.Tunneler.OpenTunnel(ctx)
	if err != nil {
		sess.reply(socks5.ReplyGeneralFailure, nil)
		return nil, err
	}

	var bound *socks5.Destination
	if addr, err := socks5.FromAddr(tunnel.LocalAddr()); err == nil {
		bound = &addr
	}
	if err := sess.reply(socks5.ReplySuccess, bound); err != nil {
		tunnel.Close()
		return nil, err
	}

	payload, err := sess.firstPayload(rest)
	if err != nil {
		tunnel.Close()
		return nil, err
	}
	if err := sess.client.sendHandshake(tunnel, req.Destination, payload); err != nil {
		tunnel.Close()
		return nil, err
	}

	sess.log.Debugf("Tunnel established, first payload %d bytes", len(payload))
	return relayingTunnel{tunnel: tunnel}, nil
}

// relayingTunnel 本地连接与隧道之间双向转发
type relayingTunnel struct {
	tunnel transport.Stream
}

func (st relayingTunnel) step(ctx context.Context, sess *clientSession) (clientState, error) {
	result, err := proxy.Relay(sess.local, st.tunnel)
	sess.log.Debugf("Relay finished: up %d bytes, down %d bytes", result.Up, result.Down)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (sess *clientSession) reply(code byte, bound *socks5.Destination) error {
	_, err := sess.local.Write(socks5.BuildReply(code, bound))
	return err
}

// firstPayload 读取应用在应答后立即发送的数据，超时则返回空
func (sess *clientSession) firstPayload(pending []byte) ([]byte, error) {
	if len(pending) > 0 {
		return pending, nil
	}
	timeout := sess.client.config.FirstPayloadTimeout
	if timeout < 0 {
		return nil, nil
	}

	buf := make([]byte, maxFirstPayload)
	sess.local.SetReadDeadline(time.Now().Add(timeout))
	n, err := sess.local.Read(buf)
	sess.local.SetReadDeadline(time.Time{})

	if err != nil && n == 0 {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}
