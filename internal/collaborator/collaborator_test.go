package collaborator

import (
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePacketConn captures what's written to it instead of touching a real
// socket, so SendProbe/SendAnnouncement/SendQuestion can be exercised
// directly against their production bytes-on-the-wire.
type fakePacketConn struct {
	net.PacketConn
	mu      sync.Mutex
	written [][]byte
}

func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakePacketConn) last(t *testing.T) dns.Msg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.written, 1)
	var msg dns.Msg
	require.NoError(t, msg.Unpack(f.written[0]))
	return msg
}

func newTestCollaborator() (*Collaborator, *fakePacketConn) {
	conn := &fakePacketConn{}
	c := &Collaborator{
		rawConn: conn,
		group:   &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: Port},
		log:     slog.Default(),
		now:     time.Now,
	}
	return c, conn
}

type fakeSink struct {
	delivered []*rr.Record
	goodbyes  []*rr.Record
}

func (f *fakeSink) Deliver(rec *rr.Record, now time.Time)        { f.delivered = append(f.delivered, rec) }
func (f *fakeSink) DeliverGoodbye(rec *rr.Record, now time.Time)  { f.goodbyes = append(f.goodbyes, rec) }

func TestRoute_InsertsNonGoodbyeAnswer(t *testing.T) {
	sink := &fakeSink{}
	c := &Collaborator{sink: sink, now: time.Now}

	a := &dns.A{Hdr: dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120}, A: []byte{10, 0, 0, 5}}
	c.route(a, time.Now())

	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "printer.local.", sink.delivered[0].Key.Name)
	assert.Empty(t, sink.goodbyes)
}

func TestRoute_GoodbyeRoutesToRemove(t *testing.T) {
	sink := &fakeSink{}
	c := &Collaborator{sink: sink, now: time.Now}

	ptr := &dns.PTR{Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 0}, Ptr: "srv1._http._tcp.local."}
	c.route(ptr, time.Now())

	require.Len(t, sink.goodbyes, 1)
	assert.Empty(t, sink.delivered)
}

func TestRoute_CacheFlushBitExtracted(t *testing.T) {
	sink := &fakeSink{}
	c := &Collaborator{sink: sink, now: time.Now}

	a := &dns.A{Hdr: dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeA, Class: dns.ClassINET | 0x8000, Ttl: 120}, A: []byte{10, 0, 0, 5}}
	c.route(a, time.Now())

	require.Len(t, sink.delivered, 1)
	assert.True(t, sink.delivered[0].CacheFlush)
}

func TestSendProbe_BuildsANYQuestion(t *testing.T) {
	c, conn := newTestCollaborator()
	c.SendProbe("printer.local")

	msg := conn.last(t)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, dns.TypeANY, msg.Question[0].Qtype)
	assert.Equal(t, "printer.local.", msg.Question[0].Name)
}

func TestSendAnnouncement_PacksAsAuthoritativeResponse(t *testing.T) {
	c, conn := newTestCollaborator()
	rec := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, true)
	c.SendAnnouncement([]*rr.Record{rec})

	msg := conn.last(t)
	assert.True(t, msg.Response)
	assert.True(t, msg.Authoritative)
	require.Len(t, msg.Answer, 1)
}

func TestSendQuestion_PacksWithKnownAnswers(t *testing.T) {
	c, conn := newTestCollaborator()
	key := rr.NewKey("printer.local", rr.TypeA)
	known := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
	c.SendQuestion(key, []*rr.Record{known})

	msg := conn.last(t)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, uint16(rr.TypeA), msg.Question[0].Qtype)
	require.Len(t, msg.Answer, 1)
}
