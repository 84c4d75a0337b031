package transport

import (
	"context"
	"net"
)

// Listen 监听TCP地址，reusePort为true时在支持的平台上设置SO_REUSEPORT
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(ctx, "tcp", addr)
}
