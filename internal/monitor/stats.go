package monitor

import (
	"sync"
	"sync/atomic"
	"time"
)

// FallbackReason 回落原因
type FallbackReason string

const (
	FallbackMalformed    FallbackReason = "malformed"
	FallbackAuth         FallbackReason = "auth"
	FallbackCommand      FallbackReason = "command"
	FallbackNotWebSocket FallbackReason = "websocket"
)

// SessionStats 会话统计
type SessionStats struct {
	TotalSessions    int64            `json:"total_sessions"`
	ActiveSessions   int64            `json:"active_sessions"`
	Authenticated    int64            `json:"authenticated"`
	Rejected         int64            `json:"rejected"`
	DialFailures     int64            `json:"dial_failures"`
	BytesUp          int64            `json:"bytes_up"`
	BytesDown        int64            `json:"bytes_down"`
	BytesTransferred int64            `json:"bytes_transferred"`
	Fallbacks        map[string]int64 `json:"fallbacks"`
	AvgDuration      time.Duration    `json:"avg_duration"`
}

// StatsManager 统计管理器
type StatsManager struct {
	totalSessions  int64
	activeSessions int64
	authenticated  int64
	rejected       int64
	dialFailures   int64
	bytesUp        int64
	bytesDown      int64

	mu        sync.RWMutex
	fallbacks map[FallbackReason]int64
	durations []time.Duration
}

// NewStatsManager 创建统计管理器
func NewStatsManager() *StatsManager {
	return &StatsManager{
		fallbacks: make(map[FallbackReason]int64),
		durations: make([]time.Duration, 0, 100),
	}
}

// OnSessionStart 会话开始
func (s *StatsManager) OnSessionStart() {
	atomic.AddInt64(&s.totalSessions, 1)
	atomic.AddInt64(&s.activeSessions, 1)
}

// OnSessionEnd 会话结束
func (s *StatsManager) OnSessionEnd(duration time.Duration) {
	atomic.AddInt64(&s.activeSessions, -1)

	s.mu.Lock()
	s.durations = append(s.durations, duration)
	if len(s.durations) > 100 {
		s.durations = s.durations[1:]
	}
	s.mu.Unlock()
}

// OnAuthenticated 握手认证通过
func (s *StatsManager) OnAuthenticated() {
	atomic.AddInt64(&s.authenticated, 1)
}

// OnFallback 转发到回落地址
func (s *StatsManager) OnFallback(reason FallbackReason) {
	s.mu.Lock()
	s.fallbacks[reason]++
	s.mu.Unlock()
}

// OnRejected 接入控制拒绝
func (s *StatsManager) OnRejected() {
	atomic.AddInt64(&s.rejected, 1)
}

// OnDialFailure 出站连接失败
func (s *StatsManager) OnDialFailure() {
	atomic.AddInt64(&s.dialFailures, 1)
}

// OnBytesTransferred 数据传输
func (s *StatsManager) OnBytesTransferred(up, down int64) {
	atomic.AddInt64(&s.bytesUp, up)
	atomic.AddInt64(&s.bytesDown, down)
}

// GetStats 获取统计信息副本
func (s *StatsManager) GetStats() *SessionStats {
	up := atomic.LoadInt64(&s.bytesUp)
	down := atomic.LoadInt64(&s.bytesDown)

	stats := &SessionStats{
		TotalSessions:    atomic.LoadInt64(&s.totalSessions),
		ActiveSessions:   atomic.LoadInt64(&s.activeSessions),
		Authenticated:    atomic.LoadInt64(&s.authenticated),
		Rejected:         atomic.LoadInt64(&s.rejected),
		DialFailures:     atomic.LoadInt64(&s.dialFailures),
		BytesUp:          up,
		BytesDown:        down,
		BytesTransferred: up + down,
		Fallbacks:        make(map[string]int64),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for reason, n := range s.fallbacks {
		stats.Fallbacks[string(reason)] = n
	}
	// 计算平均会话时长
	if len(s.durations) > 0 {
		var total time.Duration
		for _, d := range s.durations {
			total += d
		}
		stats.AvgDuration = total / time.Duration(len(s.durations))
	}

	return stats
}

// Reset 重置统计
func (s *StatsManager) Reset() {
	atomic.StoreInt64(&s.totalSessions, 0)
	atomic.StoreInt64(&s.activeSessions, 0)
	atomic.StoreInt64(&s.authenticated, 0)
	atomic.StoreInt64(&s.rejected, 0)
	atomic.StoreInt64(&s.dialFailures, 0)
	atomic.StoreInt64(&s.bytesUp, 0)
	atomic.StoreInt64(&s.bytesDown, 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.fallbacks {
		delete(s.fallbacks, k)
	}
	s.durations = s.durations[:0]
}
