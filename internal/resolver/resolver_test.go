package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNSServer 启动本地DNS服务器，只应答example.com
func startDNSServer(t *testing.T, queries *int32) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		atomic.AddInt32(queries, 1)

		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Name == "example.com." && q.Qtype == dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(93, 184, 216, 34),
			})
		case q.Name == "v6only.example." && q.Qtype == dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP("2001:db8::1"),
			})
		case q.Name == "v6only.example.":
		default:
			resp.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(resp)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started

	t.Cleanup(func() { server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver_Resolve(t *testing.T) {
	var queries int32
	addr := startDNSServer(t, &queries)

	r := New(Config{Nameservers: []string{addr}, Timeout: time.Second})
	ctx := context.Background()

	ip, err := r.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(93, 184, 216, 34)))

	// 第二次命中缓存
	ip, err = r.Resolve(ctx, "EXAMPLE.com")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(93, 184, 216, 34)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&queries))
}

func TestDNSResolver_AAAAFallback(t *testing.T) {
	var queries int32
	addr := startDNSServer(t, &queries)

	r := New(Config{Nameservers: []string{addr}, Timeout: time.Second})

	ip, err := r.Resolve(context.Background(), "v6only.example")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("2001:db8::1")))
}

func TestDNSResolver_NXDomain(t *testing.T) {
	var queries int32
	addr := startDNSServer(t, &queries)

	r := New(Config{Nameservers: []string{addr}, Timeout: time.Second})

	_, err := r.Resolve(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestDNSResolver_IPLiteral(t *testing.T) {
	r := New(Config{Nameservers: []string{"127.0.0.1:1"}})

	ip, err := r.Resolve(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ip.String())

	ip, err = r.Resolve(context.Background(), "::1")
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
}

func TestNormalizeNameserver(t *testing.T) {
	assert.Equal(t, "8.8.8.8:53", normalizeNameserver("8.8.8.8"))
	assert.Equal(t, "1.1.1.1:5353", normalizeNameserver("1.1.1.1:5353"))
	assert.Equal(t, "[2001:4860:4860::8888]:53", normalizeNameserver("2001:4860:4860::8888"))
}

func TestRecordTTL(t *testing.T) {
	r := New(Config{CacheTTL: time.Minute})

	assert.Equal(t, 30*time.Second, r.recordTTL(30))
	assert.Equal(t, time.Minute, r.recordTTL(3600))
	assert.Equal(t, time.Minute, r.recordTTL(0))
}
