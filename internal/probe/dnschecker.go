package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// DNSChecker sends one A query straight to the target server over UDP and
// waits for a well-formed reply from that server.
type DNSChecker struct{}

func NewDNSChecker() *DNSChecker { return &DNSChecker{} }

func (d *DNSChecker) Probe(ctx context.Context, t domain.Target) Outcome {
	ip := net.ParseIP(t.Address)
	if ip == nil {
		return down(fmt.Errorf("dns server %q is not an IP", t.Address), "")
	}
	port := t.Port
	if port == 0 {
		port = 53
	}
	server := &net.UDPAddr{IP: ip, Port: port}

	id := uint16(rand.Intn(1<<16-1) + 1)
	query, err := buildQuery(id, t.Query)
	if err != nil {
		return down(err, "")
	}

	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, ":0")
	if err != nil {
		return down(fmt.Errorf("open %s socket: %w", network, err), "")
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline(ctx, t.Timeout)); err != nil {
		return down(err, "")
	}

	start := time.Now()
	if _, err := conn.WriteTo(query, server); err != nil {
		return down(err, "")
	}

	buf := make([]byte, 1232)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return down(ErrTimeout, "")
			}
			return down(err, "")
		}
		rtt := time.Since(start)

		// replies from anywhere else are ignored, not failures
		if ua, ok := from.(*net.UDPAddr); !ok || !ua.IP.Equal(ip) {
			continue
		}
		hdr, err := replyHeader(buf[:n])
		if err != nil {
			return down(err, "")
		}
		if hdr.ID != id {
			continue
		}
		if !hdr.Response {
			return down(fmt.Errorf("%w: QR bit not set", ErrMalformed), "")
		}
		if hdr.RCode != dnsmessage.RCodeSuccess {
			return down(fmt.Errorf("dns rcode %s", hdr.RCode), "")
		}
		return Outcome{Up: true, Latency: rtt}
	}
}

func buildQuery(id uint16, name string) ([]byte, error) {
	if name == "" {
		name = "google.com"
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	qname, err := dnsmessage.NewName(name)
	if err != nil {
		return nil, fmt.Errorf("dns query name %q: %w", name, err)
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 64), dnsmessage.Header{
		ID:               id,
		RecursionDesired: true,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  qname,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	return b.Finish()
}

func replyHeader(b []byte) (dnsmessage.Header, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(b)
	if err != nil {
		return dnsmessage.Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return hdr, nil
}
