package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/hamed0406/lanwatch/internal/domain"
)

const (
	protocolICMP   = 1
	protocolICMPv6 = 58

	defaultPayloadSize = 56
)

var errUnreachable = errors.New("probe: destination unreachable")

// PingerConfig configures a Pinger.
type PingerConfig struct {
	// Privileged selects raw sockets (needs CAP_NET_RAW). Otherwise
	// unprivileged datagram ICMP sockets are used and the kernel rewrites the
	// identifier, demultiplexing replies per socket.
	Privileged  bool
	IDs         IDGenerator
	PayloadSize int
	Resolver    *net.Resolver
}

// Pinger sends ICMP echo requests. At most one echo is in flight per Pinger;
// the lock is taken before the latency timer starts, so waiting on it never
// inflates a measurement.
type Pinger struct {
	privileged bool
	ids        IDGenerator
	payload    []byte
	resolver   *net.Resolver

	seq uint32
	mu  sync.Mutex
}

func NewPinger(cfg PingerConfig) *Pinger {
	if cfg.IDs == nil {
		cfg.IDs = IndexIDs{}
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = defaultPayloadSize
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Pinger{
		privileged: cfg.Privileged,
		ids:        cfg.IDs,
		payload:    make([]byte, cfg.PayloadSize),
		resolver:   cfg.Resolver,
	}
}

// Preflight opens and closes an IPv4 socket so missing privileges surface at
// startup rather than as a stream of Down samples.
func (p *Pinger) Preflight() error {
	network, bind := p.network(false)
	conn, err := icmp.ListenPacket(network, bind)
	if err != nil {
		return fmt.Errorf("open %s socket: %w", network, err)
	}
	return conn.Close()
}

func (p *Pinger) Probe(ctx context.Context, t domain.Target) Outcome {
	ip, err := p.resolve(ctx, t)
	if err != nil {
		return down(err, "")
	}
	resolved := ""
	if t.Kind == domain.KindPing {
		resolved = ip.String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.ids.ID(t.Index)
	seq := uint16(atomic.AddUint32(&p.seq, 1))

	v6 := ip.To4() == nil
	network, bind := p.network(v6)
	conn, err := icmp.ListenPacket(network, bind)
	if err != nil {
		return down(fmt.Errorf("open %s socket: %w", network, err), resolved)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline(ctx, t.Timeout)); err != nil {
		return down(err, resolved)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: int(id), Seq: int(seq), Data: p.payload},
	}
	if v6 {
		msg.Type = ipv6.ICMPTypeEchoRequest
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return down(err, resolved)
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.privileged {
		dst = &net.UDPAddr{IP: ip}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return down(err, resolved)
	}

	proto := protocolICMP
	if v6 {
		proto = protocolICMPv6
	}
	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return down(ErrTimeout, resolved)
			}
			return down(err, resolved)
		}
		rtt := time.Since(start)

		matched, err := p.match(proto, rb[:n], id, seq)
		if !matched {
			continue
		}
		if err != nil {
			return down(err, resolved)
		}
		if !sameIP(peer, ip) {
			continue
		}
		return Outcome{Up: true, Latency: rtt, Resolved: resolved}
	}
}

// match reports whether the packet answers our echo. A matching destination
// unreachable report returns (true, errUnreachable).
func (p *Pinger) match(proto int, b []byte, id, seq uint16) (bool, error) {
	m, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return false, nil
	}
	switch m.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		echo, ok := m.Body.(*icmp.Echo)
		if !ok {
			return false, nil
		}
		return p.owns(echo, id, seq), nil
	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		body, ok := m.Body.(*icmp.DstUnreach)
		if !ok || body == nil {
			return false, nil
		}
		echo := embeddedEcho(proto, body.Data)
		if echo == nil || !p.owns(echo, id, seq) {
			return false, nil
		}
		return true, errUnreachable
	}
	return false, nil
}

// owns compares the identifier only on raw sockets: datagram sockets have
// their identifier replaced by the kernel.
func (p *Pinger) owns(echo *icmp.Echo, id, seq uint16) bool {
	if uint16(echo.Seq) != seq {
		return false
	}
	return !p.privileged || uint16(echo.ID) == id
}

func (p *Pinger) network(v6 bool) (string, string) {
	switch {
	case p.privileged && v6:
		return "ip6:ipv6-icmp", "::"
	case p.privileged:
		return "ip4:icmp", "0.0.0.0"
	case v6:
		return "udp6", "::"
	default:
		return "udp4", "0.0.0.0"
	}
}

func (p *Pinger) resolve(ctx context.Context, t domain.Target) (net.IP, error) {
	if ip := net.ParseIP(t.Address); ip != nil {
		return ip, nil
	}
	addrs, err := p.resolver.LookupIPAddr(ctx, t.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", t.Address, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", t.Address)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

// embeddedEcho extracts the echo request quoted inside an ICMP error.
func embeddedEcho(proto int, data []byte) *icmp.Echo {
	var inner []byte
	switch proto {
	case protocolICMP:
		hdr, err := ipv4.ParseHeader(data)
		if err != nil || len(data) < hdr.Len {
			return nil
		}
		inner = data[hdr.Len:]
	case protocolICMPv6:
		if _, err := ipv6.ParseHeader(data); err != nil || len(data) < ipv6.HeaderLen {
			return nil
		}
		inner = data[ipv6.HeaderLen:]
	default:
		return nil
	}
	msg, err := icmp.ParseMessage(proto, inner)
	if err != nil {
		return nil
	}
	echo, _ := msg.Body.(*icmp.Echo)
	return echo
}

func sameIP(a net.Addr, ip net.IP) bool {
	switch v := a.(type) {
	case *net.IPAddr:
		return v.IP.Equal(ip)
	case *net.UDPAddr:
		return v.IP.Equal(ip)
	}
	return false
}
