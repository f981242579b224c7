package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// TCPChecker measures the time to complete a TCP handshake. The connection is
// closed as soon as it is established.
type TCPChecker struct {
	Dialer *net.Dialer
}

func NewTCPChecker() *TCPChecker {
	return &TCPChecker{Dialer: &net.Dialer{}}
}

func (c *TCPChecker) Probe(ctx context.Context, t domain.Target) Outcome {
	ctx, cancel := context.WithDeadline(ctx, deadline(ctx, t.Timeout))
	defer cancel()

	addr := net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
	start := time.Now()
	conn, err := c.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return down(ErrTimeout, "")
		}
		return down(err, "")
	}
	rtt := time.Since(start)

	resolved := ""
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		resolved = ta.IP.String()
	}
	_ = conn.Close()
	return Outcome{Up: true, Latency: rtt, Resolved: resolved}
}
