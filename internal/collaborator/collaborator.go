// Package collaborator implements the network collaborator: the UDP
// multicast socket, wire encode/decode of mDNS messages via
// github.com/miekg/dns, per-interface send control via golang.org/x/net/ipv4,
// and the source-IP rate limiting that protects the reactor from a
// misbehaving multicast peer. It is the engine's one external collaborator
// for network I/O, driven entirely by the engine.Collaborator contract.
package collaborator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	cerr "github.com/quietwire/mdnsqd/internal/errors"
	"github.com/quietwire/mdnsqd/internal/network"
	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/quietwire/mdnsqd/internal/security"
	"github.com/quietwire/mdnsqd/internal/transport"
)

// MulticastAddr is the mDNS IPv4 multicast group, RFC 6762 §3.
const MulticastAddr = "224.0.0.251"

// Port is the mDNS UDP port, RFC 6762 §3.
const Port = 5353

// Sink receives records decoded off the wire, routed to the engine.
type Sink interface {
	Deliver(rec *rr.Record, now time.Time)
	DeliverGoodbye(rec *rr.Record, now time.Time)
}

// Collaborator owns the multicast UDP socket and the background receive
// loop that decodes inbound packets and hands records to a Sink.
type Collaborator struct {
	conn        *ipv4.PacketConn
	rawConn     net.PacketConn
	group       *net.UDPAddr
	sink        Sink
	log         *slog.Logger
	rateLimiter *security.RateLimiter
	filters     map[int]*security.SourceFilter // by interface index, from control messages
	now         func() time.Time
}

// Option configures a Collaborator at construction.
type Option func(*Collaborator)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Collaborator) { c.log = log }
}

// WithRateLimiter overrides the default per-source rate limiter.
func WithRateLimiter(rl *security.RateLimiter) Option {
	return func(c *Collaborator) { c.rateLimiter = rl }
}

// New opens the mDNS multicast socket, joining the group on every interface
// DefaultInterfaces selects (or the ones explicitly passed). The socket is
// bound with SO_REUSEADDR/SO_REUSEPORT (via transport.PlatformControl) so
// this daemon can run alongside an existing Avahi/Bonjour/systemd-resolved
// responder on the same host.
func New(sink Sink, ifaces []net.Interface, opts ...Option) (*Collaborator, error) {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: Port}

	lc := net.ListenConfig{Control: transport.PlatformControl}
	packetConn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", Port))
	if err != nil {
		return nil, &cerr.NetworkError{Operation: "listen udp4", Err: err, Details: "bind mDNS port"}
	}
	conn := packetConn

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		_ = conn.Close()
		return nil, &cerr.NetworkError{Operation: "set control message", Err: err}
	}
	if err := pconn.SetMulticastTTL(255); err != nil {
		_ = conn.Close()
		return nil, &cerr.NetworkError{Operation: "set multicast TTL", Err: err}
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, &cerr.NetworkError{Operation: "set multicast loopback", Err: err}
	}

	if len(ifaces) == 0 {
		ifaces, err = network.DefaultInterfaces()
		if err != nil {
			_ = conn.Close()
			return nil, &cerr.NetworkError{Operation: "enumerate interfaces", Err: err}
		}
	}
	joined := 0
	filters := make(map[int]*security.SourceFilter, len(ifaces))
	for i := range ifaces {
		if err := pconn.JoinGroup(&ifaces[i], group); err == nil {
			joined++
		}
		if sf, err := security.NewSourceFilter(ifaces[i]); err == nil {
			filters[ifaces[i].Index] = sf
		}
	}
	if joined == 0 {
		_ = conn.Close()
		return nil, &cerr.NetworkError{Operation: "join multicast group", Err: net.UnknownNetworkError("no usable interface")}
	}

	c := &Collaborator{
		conn:        pconn,
		rawConn:     conn,
		group:       group,
		sink:        sink,
		log:         slog.Default(),
		rateLimiter: security.NewRateLimiter(100, 60*time.Second, 10000),
		filters:     filters,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendQuestion implements engine.Collaborator: it builds and multicasts one
// mDNS query for key, with knownAnswers in the Answer section to suppress
// redundant responder replies (RFC 6762 §7.1 Known-Answer Suppression).
func (c *Collaborator) SendQuestion(key rr.Key, knownAnswers []*rr.Record) {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.Question = []dns.Question{{Name: dns.Fqdn(key.Name), Qtype: uint16(key.Type), Qclass: uint16(key.Class)}}
	for _, rec := range knownAnswers {
		msg.Answer = append(msg.Answer, rec.Payload)
	}

	bufPtr := transport.GetBuffer()
	defer transport.PutBuffer(bufPtr)
	packed, err := msg.PackBuffer(*bufPtr)
	if err != nil {
		c.log.Warn("pack question failed", "name", key.Name, "err", err)
		return
	}
	if _, err := c.rawConn.WriteTo(packed, c.group); err != nil {
		c.log.Warn("send question failed", "name", key.Name, "err", err)
	}
}

// SendProbe implements authority.Collaborator: it multicasts one probe
// query for name, type ANY, per RFC 6762 §8.1. Unlike SendQuestion, a
// probe carries no Known-Answer section — the point is to ask every other
// host on the segment whether they already hold the name, not to suppress
// replies.
func (c *Collaborator) SendProbe(name string) {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeANY, Qclass: dns.ClassINET}}

	bufPtr := transport.GetBuffer()
	defer transport.PutBuffer(bufPtr)
	packed, err := msg.PackBuffer(*bufPtr)
	if err != nil {
		c.log.Warn("pack probe failed", "name", name, "err", err)
		return
	}
	if _, err := c.rawConn.WriteTo(packed, c.group); err != nil {
		c.log.Warn("send probe failed", "name", name, "err", err)
	}
}

// SendAnnouncement implements authority.Collaborator: it multicasts recs
// as an unsolicited response, per RFC 6762 §8.3 (and, with a TTL of 0, a
// goodbye per §10.1).
func (c *Collaborator) SendAnnouncement(recs []*rr.Record) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	for _, rec := range recs {
		msg.Answer = append(msg.Answer, rec.Payload)
	}

	bufPtr := transport.GetBuffer()
	defer transport.PutBuffer(bufPtr)
	packed, err := msg.PackBuffer(*bufPtr)
	if err != nil {
		c.log.Warn("pack announcement failed", "err", err)
		return
	}
	if _, err := c.rawConn.WriteTo(packed, c.group); err != nil {
		c.log.Warn("send announcement failed", "err", err)
	}
}

// Run loops reading inbound packets until ctx is canceled, decoding each
// into records and routing them to the sink. This is the one goroutine
// outside the reactor that the engine's cooperative model allows: it does
// only decode-and-hand-off, never touches shared state directly.
func (c *Collaborator) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = c.rawConn.Close()
	}()

	buf := make([]byte, 9000)
	for {
		n, cm, srcAddr, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				c.log.Debug("receive failed", "err", err)
				continue
			}
		}

		var srcIP net.IP
		if udpAddr, ok := srcAddr.(*net.UDPAddr); ok {
			srcIP = udpAddr.IP
		}
		if cm != nil {
			if sf, ok := c.filters[cm.IfIndex]; ok && !sf.IsValid(srcIP) {
				c.log.Debug("rejected out-of-scope source", "src", srcIP, "ifIndex", cm.IfIndex)
				continue
			}
		}
		if !c.rateLimiter.Allow(srcIP.String()) {
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			c.log.Debug("unpack failed", "err", err, "src", srcIP)
			continue
		}
		if !msg.Response {
			continue
		}

		now := c.now()
		for _, ans := range msg.Answer {
			c.route(ans, now)
		}
		for _, ans := range msg.Extra {
			c.route(ans, now)
		}
	}
}

func (c *Collaborator) route(ans dns.RR, now time.Time) {
	hdr := ans.Header()
	cacheFlush := hdr.Class&0x8000 != 0
	class := hdr.Class &^ 0x8000

	rec, ok := rr.FromRR(ans, cacheFlush)
	if !ok {
		return
	}
	rec.Key.Class = rr.Class(class)

	if hdr.Ttl == 0 {
		c.sink.DeliverGoodbye(rec, now)
		return
	}
	c.sink.Deliver(rec, now)
}

// Close releases the multicast socket.
func (c *Collaborator) Close() error {
	if err := c.rawConn.Close(); err != nil {
		return &cerr.NetworkError{Operation: "close collaborator socket", Err: err}
	}
	return nil
}
