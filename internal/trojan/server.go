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

	"trojan-tunnel/internal/monitor"
	"trojan-tunnel/internal/proxy"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/pkg/socks5"
)

// ServerConfig Trojan服务器配置，启动后只读
type ServerConfig struct {
	// Digest 密码的SHA224十六进制摘要
	Digest   string
	Fallback socks5.Destination

	// WebSocketPath 非空时先完成WebSocket升级
	WebSocketPath string

	Connector Connector

	// FallbackConnector 用于连接回落地址，为空时使用Connector
	FallbackConnector Connector
	Admission         *proxy.Admission
	Stats             Stats
}

// Server Trojan服务器
type Server struct {
	config    ServerConfig
	admission *proxy.Admission
	stats     Stats

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
}

// NewServer 创建Trojan服务器
func NewServer(config *ServerConfig) (*Server, error) {
	if len(config.Digest) != CredentialSize {
		return nil, fmt.Errorf("invalid credential digest length %d", len(config.Digest))
	}
	if err := config.Fallback.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fallback address: %w", err)
	}
	if config.Connector == nil {
		return nil, errors.New("connector is required")
	}

	s := &Server{
		config:    *config,
		admission: config.Admission,
		stats:     config.Stats,
		listeners: make(map[net.Listener]struct{}),
	}
	if s.config.FallbackConnector == nil {
		s.config.FallbackConnector = s.config.Connector
	}
	if s.admission == nil {
		s.admission = proxy.NewAdmission(0, 0, 0, false, 0)
	}
	if s.stats == nil {
		s.stats = nopStats{}
	}
	return s, nil
}

// Serve 接受连接直到ctx取消或listener关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
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

	logrus.Infof("Trojan server listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		if !s.admission.Admit(conn) {
			s.stats.OnRejected()
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.admission.Release(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// Close 关闭所有listener和活跃连接，等待会话退出
func (s *Server) Close() error {
	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.admission.CloseAll()
	s.wg.Wait()
	return nil
}

// ServeConn 处理一个已接受的连接，返回时连接已关闭
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := &serverSession{
		server:  s,
		inbound: transport.Wrap(conn),
		log: logrus.WithFields(logrus.Fields{
			"session": uuid.NewString(),
			"remote":  conn.RemoteAddr().String(),
		}),
	}
	defer func() { sess.inbound.Close() }()

	start := time.Now()
	s.stats.OnSessionStart()
	defer func() { s.stats.OnSessionEnd(time.Since(start)) }()

	var state serverState = awaitingHandshake{}
	if s.config.WebSocketPath != "" {
		state = awaitingUpgrade{path: s.config.WebSocketPath}
	}

	for state != nil {
		next, err := state.step(ctx, sess)
		if err != nil {
			sess.log.Debugf("Session ended: %v", err)
			return
		}
		state = next
	}
	sess.log.Debugf("Session closed after %v", time.Since(start))
}

type serverSession struct {
	server  *Server
	inbound transport.Stream
	log     *logrus.Entry
}

// serverState 服务端会话状态，每次转移返回新的状态值，nil表示结束
type serverState interface {
	step(ctx context.Context, sess *serverSession) (serverState, error)
}

// awaitingUpgrade 等待WebSocket升级请求
type awaitingUpgrade struct {
	path string
}

func (st awaitingUpgrade) step(ctx context.Context, sess *serverSession) (serverState, error) {
	ws, raw, err := transport.AcceptWebSocket(sess.inbound, st.path)
	if err != nil {
		if errors.Is(err, transport.ErrNotWebSocket) && len(raw) > 0 {
			return fallingBack{raw: raw, reason: monitor.FallbackNotWebSocket, cause: err}, nil
		}
		return nil, err
	}

	sess.inbound = ws
	return awaitingHandshake{}, nil
}

// awaitingHandshake 读取并校验Trojan握手
type awaitingHandshake struct{}

func (awaitingHandshake) step(ctx context.Context, sess *serverSession) (serverState, error) {
	buf := make([]byte, MaxHandshakeSize)
	n, err := sess.inbound.Read(buf)
	if n == 0 {
		if err == nil {
			err = ErrTruncatedHandshake
		}
		return nil, err
	}
	raw := buf[:n]

	config := &sess.server.config
	hs, err := ParseHandshake(raw)
	switch {
	case err != nil:
		return fallingBack{raw: raw, reason: monitor.FallbackMalformed, cause: err}, nil
	case !VerifyCredential(hs.Credential, config.Digest):
		return fallingBack{raw: raw, reason: monitor.FallbackAuth, cause: ErrAuthenticationFailed}, nil
	case hs.Command != CmdConnect:
		return fallingBack{raw: raw, reason: monitor.FallbackCommand, cause: fmt.Errorf("%w: %s", ErrUnsupportedCommand, hs.Command)}, nil
	}

	sess.server.stats.OnAuthenticated()
	sess.log = sess.log.WithField("target", hs.Destination.String())

	outbound, err := config.Connector.Connect(ctx, hs.Destination)
	if err != nil {
		sess.server.stats.OnDialFailure()
		return nil, err
	}
	if len(hs.Payload) > 0 {
		if _, err := outbound.Write(hs.Payload); err != nil {
			outbound.Close()
			return nil, err
		}
	}

	sess.log.Debug("Connected to target")
	return relaying{outbound: outbound}, nil
}

// fallingBack 将收到的原始字节原样转发到回落地址
type fallingBack struct {
	raw    []byte
	reason monitor.FallbackReason
	cause  error
}

func (st fallingBack) step(ctx context.Context, sess *serverSession) (serverState, error) {
	sess.server.stats.OnFallback(st.reason)
	sess.log.WithField("reason", st.reason).Debugf("Falling back: %v", st.cause)

	outbound, err := sess.server.config.FallbackConnector.Connect(ctx, sess.server.config.Fallback)
	if err != nil {
		sess.server.stats.OnDialFailure()
		return nil, err
	}
	if _, err := outbound.Write(st.raw); err != nil {
		outbound.Close()
		return nil, err
	}

	return relaying{outbound: outbound}, nil
}

// relaying 双向转发直到任一方结束
type relaying struct {
	outbound transport.Stream
}

func (st relaying) step(ctx context.Context, sess *serverSession) (serverState, error) {
	result, err := proxy.Relay(sess.inbound, st.outbound)
	sess.server.stats.OnBytesTransferred(result.Up, result.Down)
	if err != nil {
		return nil, err
	}
	return nil, nil
}
