package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/lanwatch/internal/domain"
)

func tcpTarget(addr *net.TCPAddr) domain.Target {
	return domain.Target{
		ID:      "svc:Local",
		Kind:    domain.KindTCP,
		Address: addr.IP.String(),
		Port:    addr.Port,
		Timeout: time.Second,
	}
}

func TestTCPChecker_OpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	target := tcpTarget(ln.Addr().(*net.TCPAddr))
	out := Bounded(context.Background(), NewTCPChecker(), target, target.Timeout)
	require.True(t, out.Up, "err: %v", out.Err)
	assert.Equal(t, "127.0.0.1", out.Resolved)
	require.NotNil(t, out.LatencyMS())
	assert.Less(t, *out.LatencyMS(), 1000.0)
}

func TestTCPChecker_ClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	target := tcpTarget(addr)
	out := Bounded(context.Background(), NewTCPChecker(), target, target.Timeout)
	assert.False(t, out.Up)
	assert.Nil(t, out.LatencyMS())
	assert.Error(t, out.Err)
}
