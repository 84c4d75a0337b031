package trojan

import (
	"context"
	"time"

	"trojan-tunnel/internal/monitor"
	"trojan-tunnel/internal/transport"
	"trojan-tunnel/pkg/socks5"
)

// Connector 建立出站连接
type Connector interface {
	Connect(ctx context.Context, dest socks5.Destination) (transport.Stream, error)
}

// Stats 会话统计回调，由monitor.StatsManager实现
type Stats interface {
	OnSessionStart()
	OnSessionEnd(duration time.Duration)
	OnAuthenticated()
	OnFallback(reason monitor.FallbackReason)
	OnRejected()
	OnDialFailure()
	OnBytesTransferred(up, down int64)
}

type nopStats struct{}

func (nopStats) OnSessionStart() {}
func (nopStats) OnSessionEnd(time.Duration) {}
func (nopStats) OnAuthenticated() {}
func (nopStats) OnFallback(monitor.FallbackReason) {}
func (nopStats) OnRejected() {}
func (nopStats) OnDialFailure() {}
func (nopStats) OnBytesTransferred(int64, int64) {}

var _ Stats = (*monitor.StatsManager)(nil)
