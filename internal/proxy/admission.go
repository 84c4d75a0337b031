package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Admission 接入控制：最大并发连接数、单IP并发数与接入速率
type Admission struct {
	maxConnections int64
	activeCount    int64
	limiter        *rate.Limiter
	keepAlive      bool
	keepAliveTime  time.Duration

	maxPerIP int
	ipMu     sync.Mutex
	ipCounts map[string]int

	connections sync.Map // map[net.Conn]string，值为来源IP
}

// NewAdmission 创建接入控制；maxConnections<=0 不限制，acceptRate<=0 不限速
func NewAdmission(maxConnections int, acceptRate float64, acceptBurst int, keepAlive bool, keepAliveTime time.Duration) *Admission {
	a := &Admission{
		maxConnections: int64(maxConnections),
		keepAlive:      keepAlive,
		keepAliveTime:  keepAliveTime,
		ipCounts:       make(map[string]int),
	}
	if acceptRate > 0 {
		if acceptBurst <= 0 {
			acceptBurst = int(acceptRate) + 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(acceptRate), acceptBurst)
	}
	return a
}

// SetMaxPerIP 限制单个来源IP的并发连接数，<=0 不限制；需在接入连接前调用
func (a *Admission) SetMaxPerIP(n int) {
	a.maxPerIP = n
}

// CanAccept 检查是否还有空闲连接槽
func (a *Admission) CanAccept() bool {
	max := atomic.LoadInt64(&a.maxConnections)
	if max <= 0 {
		return true
	}
	return atomic.LoadInt64(&a.activeCount) < max
}

// Admit 登记新连接；超出限制时返回false，由调用方关闭连接
func (a *Admission) Admit(conn net.Conn) bool {
	if a.limiter != nil && !a.limiter.Allow() {
		return false
	}

	max := atomic.LoadInt64(&a.maxConnections)
	for {
		current := atomic.LoadInt64(&a.activeCount)
		if max > 0 && current >= max {
			return false
		}
		if atomic.CompareAndSwapInt64(&a.activeCount, current, current+1) {
			break
		}
	}

	ip := sourceIP(conn)
	if !a.acquireIP(ip) {
		atomic.AddInt64(&a.activeCount, -1)
		return false
	}

	// 设置TCP KeepAlive
	if tcpConn, ok := underlyingConn(conn).(*net.TCPConn); ok && a.keepAlive {
		tcpConn.SetKeepAlive(true)
		if a.keepAliveTime > 0 {
			tcpConn.SetKeepAlivePeriod(a.keepAliveTime)
		}
	}

	a.connections.Store(conn, ip)
	return true
}

// Release 连接结束时调用
func (a *Admission) Release(conn net.Conn) {
	if ip, ok := a.connections.LoadAndDelete(conn); ok {
		a.releaseIP(ip.(string))
		atomic.AddInt64(&a.activeCount, -1)
	}
}

func (a *Admission) acquireIP(ip string) bool {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()

	if a.maxPerIP > 0 && a.ipCounts[ip] >= a.maxPerIP {
		return false
	}
	a.ipCounts[ip]++
	return true
}

func (a *Admission) releaseIP(ip string) {
	a.ipMu.Lock()
	defer a.ipMu.Unlock()

	if a.ipCounts[ip] <= 1 {
		delete(a.ipCounts, ip)
		return
	}
	a.ipCounts[ip]--
}

func sourceIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// ActiveCount 当前活跃连接数
func (a *Admission) ActiveCount() int64 {
	return atomic.LoadInt64(&a.activeCount)
}

// CloseAll 关闭所有已登记的连接
func (a *Admission) CloseAll() {
	a.connections.Range(func(key, _ interface{}) bool {
		if conn, ok := key.(net.Conn); ok {
			conn.Close()
		}
		return true
	})
}

func underlyingConn(conn net.Conn) net.Conn {
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return conn
}
