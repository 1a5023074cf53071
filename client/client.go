// Package client is the control-socket client library: it dials the
// daemon's Unix-domain socket and speaks the same length-prefixed,
// fixed-size-payload protocol internal/control implements on the server
// side, so a caller never needs to reach into internal/ itself.
//
// Example:
//
//	c, err := client.Dial("/var/run/mdnsqd.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//	rec, err := c.Lookup(ctx, "printer.local", client.TypeA)
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	"github.com/quietwire/mdnsqd/internal/control"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// Type mirrors the record types the daemon understands, re-exported so
// callers never import internal/rr directly.
type Type = rr.Type

const (
	TypeA     = rr.TypeA
	TypeNS    = rr.TypeNS
	TypeCNAME = rr.TypeCNAME
	TypeHINFO = rr.TypeHINFO
	TypePTR   = rr.TypePTR
	TypeTXT   = rr.TypeTXT
	TypeSRV   = rr.TypeSRV
)

// Record is one resolved resource record, with typed accessors mirroring
// internal/rr's — a client caller never needs the dns.RR payload itself.
type Record struct {
	Name       string
	Type       Type
	TTL        uint32
	CacheFlush bool

	inner *rr.Record
}

// AsA returns the address carried by an A record.
func (r Record) AsA() (addr [4]byte, ok bool) { return rr.AsA(r.inner) }

// AsSRV returns an SRV record's fields.
func (r Record) AsSRV() (priority, weight, port uint16, target string, ok bool) {
	return rr.AsSRV(r.inner)
}

// AsTXT returns a TXT record's character-strings.
func (r Record) AsTXT() ([]string, bool) { return rr.AsTXT(r.inner) }

// AsPTR returns a PTR record's target.
func (r Record) AsPTR() (string, bool) { return rr.AsPTR(r.inner) }

// ServiceDescription is a fully-resolved service instance (SRV + TXT + A
// composed together), the result of Resolve.
type ServiceDescription struct {
	Name             string
	Text             []string
	Priority, Weight uint16
	Port             uint16
	Addr             [4]byte
}

// BrowseEvent is one notification streamed from a BROWSE subscription.
type BrowseEvent struct {
	Added  bool
	Record Record
}

// Client is a connection to a running daemon's control socket. The wire
// protocol carries no request IDs, so pending Lookup/Resolve calls are
// correlated by the name+type they asked about — the daemon only ever
// replies once per distinct key per connection, matching the engine's
// per-client dedup.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	lookups   map[rr.Key]chan lookupResult
	resolve   map[string]chan resolveResult
	browse    map[string]chan BrowseEvent
	closed    chan struct{}
	browseBuf int
}

// defaultBrowseBuf is how many BrowseEvents a subscription channel buffers
// before the client's read loop blocks delivering to it.
const defaultBrowseBuf = 32

// lookupResult is what a pending Lookup call is waiting on: either the
// resolved record, or an error once the daemon reports retry exhaustion
// (RespFail) — distinct from ctx expiring, which the caller sees as
// (nil, nil) because the daemon may still answer later.
type lookupResult struct {
	rec *Record
	err error
}

// resolveResult is Resolve's equivalent of lookupResult.
type resolveResult struct {
	desc *ServiceDescription
	err  error
}

// Dial connects to the daemon's control socket at path, configured by opts.
func Dial(path string, opts ...Option) (*Client, error) {
	cfg := dialConfig{browseBuf: defaultBrowseBuf}
	for _, opt := range opts {
		opt(&cfg)
	}

	var conn net.Conn
	var err error
	if cfg.dialTimeout > 0 {
		conn, err = net.DialTimeout("unix", path, cfg.dialTimeout)
	} else {
		conn, err = net.Dial("unix", path)
	}
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	c := &Client{
		conn:      conn,
		lookups:   make(map[rr.Key]chan lookupResult),
		resolve:   make(map[string]chan resolveResult),
		browse:    make(map[string]chan BrowseEvent),
		closed:    make(chan struct{}),
		browseBuf: cfg.browseBuf,
	}
	go c.readLoop()
	return c, nil
}

// Close shuts down the connection and any outstanding Browse subscriptions.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.closed
	return err
}

// Lookup sends a LOOKUP request and waits for the daemon's reply or ctx's
// cancellation. A nil Record with a nil error means ctx expired before a
// reply arrived; a nil Record with a non-nil error means the daemon gave up
// after exhausting its retransmissions (RespFail) — a terminal answer, not
// a timeout.
func (c *Client) Lookup(ctx context.Context, name string, t Type) (*Record, error) {
	key := rr.NewKey(name, t)
	ch := make(chan lookupResult, 1)

	c.mu.Lock()
	c.lookups[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.lookups, key)
		c.mu.Unlock()
	}()

	payload := control.EncodeRequest(control.Request{Type: control.ReqLookup, Key: key})
	if err := c.send(control.ReqLookup, payload); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, nil
	case <-c.closed:
		return nil, fmt.Errorf("control connection closed")
	}
}

// Resolve sends a RESOLVE request for a fully-qualified service instance
// name and waits for the composed service description or ctx's
// cancellation. A nil result with a nil error means ctx expired first; a
// nil result with a non-nil error means the daemon gave up on one of the
// SRV/TXT/A lookups it needed (RespFail).
func (c *Client) Resolve(ctx context.Context, instance string) (*ServiceDescription, error) {
	name := rr.CanonicalName(instance)
	ch := make(chan resolveResult, 1)

	c.mu.Lock()
	c.resolve[name] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.resolve, name)
		c.mu.Unlock()
	}()

	payload := control.EncodeRequest(control.Request{Type: control.ReqResolve, Name: instance})
	if err := c.send(control.ReqResolve, payload); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.desc, res.err
	case <-ctx.Done():
		return nil, nil
	case <-c.closed:
		return nil, fmt.Errorf("control connection closed")
	}
}

// BrowseAdd subscribes to a service type (a PTR key, e.g.
// "_http._tcp.local"), returning a channel of ADD/DEL events. The
// subscription stays active until BrowseDel is called or the client is
// closed.
func (c *Client) BrowseAdd(ptrName string) (<-chan BrowseEvent, error) {
	key := rr.NewKey(ptrName, TypePTR)
	ch := make(chan BrowseEvent, c.browseBuf)

	c.mu.Lock()
	c.browse[key.Name] = ch
	c.mu.Unlock()

	payload := control.EncodeRequest(control.Request{Type: control.ReqBrowseAdd, Key: key})
	if err := c.send(control.ReqBrowseAdd, payload); err != nil {
		c.mu.Lock()
		delete(c.browse, key.Name)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// BrowseDel ends a subscription started by BrowseAdd.
func (c *Client) BrowseDel(ptrName string) error {
	key := rr.NewKey(ptrName, TypePTR)
	c.mu.Lock()
	if ch, ok := c.browse[key.Name]; ok {
		close(ch)
		delete(c.browse, key.Name)
	}
	c.mu.Unlock()

	payload := control.EncodeRequest(control.Request{Type: control.ReqBrowseDel, Key: key})
	return c.send(control.ReqBrowseDel, payload)
}

func (c *Client) send(t control.RequestType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return control.WriteRequestFrame(c.conn, t, payload)
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		t, payload, err := control.ReadResponseFrame(c.conn)
		if err != nil {
			return
		}
		resp, err := control.DecodeResponse(t, payload)
		if err != nil {
			continue
		}
		c.route(resp)
	}
}

func (c *Client) route(resp control.Response) {
	switch resp.Type {
	case control.RespLookup:
		if resp.Record == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.lookups[resp.Record.Key]
		c.mu.Unlock()
		if ok {
			rec := toRecord(resp.Record)
			select {
			case ch <- lookupResult{rec: &rec}:
			default:
			}
		}

	case control.RespResolve:
		if resp.Desc == nil {
			return
		}
		name := rr.CanonicalName(resp.Desc.Name)
		c.mu.Lock()
		ch, ok := c.resolve[name]
		c.mu.Unlock()
		if ok {
			desc := &ServiceDescription{
				Name:     resp.Desc.Name,
				Text:     resp.Desc.Text,
				Priority: resp.Desc.Priority,
				Weight:   resp.Desc.Weight,
				Port:     resp.Desc.Port,
				Addr:     resp.Desc.Addr,
			}
			select {
			case ch <- resolveResult{desc: desc}:
			default:
			}
		}

	case control.RespFail:
		if resp.Record == nil {
			return
		}
		name := rr.CanonicalName(resp.Record.Key.Name)
		if resp.Style == aggregate.Resolve {
			c.mu.Lock()
			ch, ok := c.resolve[name]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- resolveResult{err: fmt.Errorf("resolve %s: retransmission exhausted", name)}:
				default:
				}
			}
			return
		}
		c.mu.Lock()
		ch, ok := c.lookups[resp.Record.Key]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- lookupResult{err: fmt.Errorf("lookup %s: retransmission exhausted", name)}:
			default:
			}
		}

	case control.RespBrowseAdd, control.RespBrowseDel:
		if resp.Record == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.browse[resp.Record.Key.Name]
		c.mu.Unlock()
		if !ok {
			return
		}
		ch <- BrowseEvent{Added: resp.Type == control.RespBrowseAdd, Record: toRecord(resp.Record)}
	}
}

func toRecord(rec *rr.Record) Record {
	return Record{
		Name:       rec.Key.Name,
		Type:       rec.Key.Type,
		TTL:        rec.TTL,
		CacheFlush: rec.CacheFlush,
		inner:      rec,
	}
}
