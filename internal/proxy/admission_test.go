package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_MaxConnections(t *testing.T) {
	a := NewAdmission(1, 0, 0, true, 30*time.Second)
	assert.True(t, a.CanAccept())

	conn1, _ := net.Pipe()
	conn2, _ := net.Pipe()

	require.True(t, a.Admit(conn1), "first connection should be admitted")
	assert.False(t, a.CanAccept())
	assert.False(t, a.Admit(conn2), "second connection should be rejected")

	a.Release(conn1)
	assert.True(t, a.CanAccept())
	assert.EqualValues(t, 0, a.ActiveCount())
}

func TestAdmission_Unlimited(t *testing.T) {
	a := NewAdmission(0, 0, 0, false, 0)

	for i := 0; i < 100; i++ {
		conn, _ := net.Pipe()
		require.True(t, a.Admit(conn), "connection %d should be admitted", i)
	}
	assert.EqualValues(t, 100, a.ActiveCount())
}

func TestAdmission_ReleaseTwice(t *testing.T) {
	a := NewAdmission(10, 0, 0, false, 0)

	conn, _ := net.Pipe()
	a.Admit(conn)
	a.Release(conn)
	a.Release(conn)

	assert.EqualValues(t, 0, a.ActiveCount())
}

func TestAdmission_AcceptRate(t *testing.T) {
	a := NewAdmission(0, 1, 2, false, 0)

	admitted := 0
	for i := 0; i < 5; i++ {
		conn, _ := net.Pipe()
		if a.Admit(conn) {
			admitted++
		}
	}

	assert.Equal(t, 2, admitted, "only the burst should be admitted")
}

func TestAdmission_CloseAll(t *testing.T) {
	a := NewAdmission(10, 0, 0, false, 0)

	conn, peer := net.Pipe()
	a.Admit(conn)
	a.CloseAll()

	_, err := peer.Read(make([]byte, 1))
	assert.Error(t, err)
}

// fakeConn 带指定来源地址的连接
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (c fakeConn) RemoteAddr() net.Addr { return c.remote }

func newFakeConn(ip string) net.Conn {
	conn, _ := net.Pipe()
	return fakeConn{Conn: conn, remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}}
}

func TestAdmission_MaxPerIP(t *testing.T) {
	a := NewAdmission(0, 0, 0, false, 0)
	a.SetMaxPerIP(2)

	first := newFakeConn("203.0.113.1")
	require.True(t, a.Admit(first))
	require.True(t, a.Admit(newFakeConn("203.0.113.1")))
	assert.False(t, a.Admit(newFakeConn("203.0.113.1")), "third connection from the same IP should be rejected")
	assert.True(t, a.Admit(newFakeConn("203.0.113.2")))
	assert.EqualValues(t, 3, a.ActiveCount(), "rejected connection must not count as active")

	a.Release(first)
	assert.True(t, a.Admit(newFakeConn("203.0.113.1")))
}
