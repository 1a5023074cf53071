package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	"github.com/quietwire/mdnsqd/internal/control"
	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks the daemon side of the control protocol directly over
// a net.Pipe, without an engine, so these tests exercise only the client's
// encode/decode/correlate behavior.
type fakeServer struct {
	conn net.Conn
}

func (s *fakeServer) nextRequest(t *testing.T) (control.RequestType, control.Request) {
	t.Helper()
	reqType, payload, err := control.ReadFrame(s.conn)
	require.NoError(t, err)
	req, err := control.DecodeRequest(reqType, payload)
	require.NoError(t, err)
	return reqType, req
}

func (s *fakeServer) reply(t *testing.T, respType control.ResponseType, resp control.Response) {
	t.Helper()
	require.NoError(t, control.WriteFrame(s.conn, respType, control.EncodeResponse(resp)))
}

func newPipe() (*Client, *fakeServer) {
	clientConn, serverConn := net.Pipe()
	c := &Client{
		conn:      clientConn,
		lookups:   make(map[rr.Key]chan lookupResult),
		resolve:   make(map[string]chan resolveResult),
		browse:    make(map[string]chan BrowseEvent),
		closed:    make(chan struct{}),
		browseBuf: defaultBrowseBuf,
	}
	go c.readLoop()
	return c, &fakeServer{conn: serverConn}
}

func TestLookup_RoundTrip(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, req := srv.nextRequest(t)
		assert.Equal(t, "printer.local.", req.Key.Name)
		rec := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
		srv.reply(t, control.RespLookup, control.Response{Type: control.RespLookup, Record: rec})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := c.Lookup(ctx, "printer.local", TypeA)
	require.NoError(t, err)
	require.NotNil(t, rec)

	addr, ok := rec.AsA()
	require.True(t, ok)
	assert.Equal(t, [4]byte{10, 0, 0, 5}, addr)

	<-done
}

func TestLookup_TimesOutWithNoReply(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()
	_ = srv

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.nextRequest(t) // consume the request, never reply
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := c.Lookup(ctx, "ghost.local", TypeA)
	require.NoError(t, err)
	assert.Nil(t, rec)

	<-done
}

func TestResolve_RoundTrip(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, req := srv.nextRequest(t)
		assert.Equal(t, "printer._http._tcp.local", req.Name)
		desc := &aggregate.ServiceDescription{
			Name:     "printer._http._tcp.local",
			Text:     []string{"model=LJ4"},
			Priority: 0, Weight: 0, Port: 631,
			Addr: [4]byte{10, 0, 0, 5},
		}
		srv.reply(t, control.RespResolve, control.Response{Type: control.RespResolve, Desc: desc})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	desc, err := c.Resolve(ctx, "printer._http._tcp.local")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, uint16(631), desc.Port)
	assert.Equal(t, [4]byte{10, 0, 0, 5}, desc.Addr)

	<-done
}

func TestLookup_RespFailSurfacesError(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, req := srv.nextRequest(t)
		srv.reply(t, control.RespFail, control.Response{Type: control.RespFail, Record: &rr.Record{Key: req.Key}, Style: aggregate.Lookup})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := c.Lookup(ctx, "ghost.local", TypeA)
	require.Error(t, err)
	assert.Nil(t, rec)

	<-done
}

func TestResolve_RespFailSurfacesError(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, req := srv.nextRequest(t)
		key := rr.NewKey(req.Name, rr.TypeSRV)
		srv.reply(t, control.RespFail, control.Response{Type: control.RespFail, Record: &rr.Record{Key: key}, Style: aggregate.Resolve})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	desc, err := c.Resolve(ctx, "printer._http._tcp.local")
	require.Error(t, err)
	assert.Nil(t, desc)

	<-done
}

func TestDial_WithBrowseBufferSize_SizesBrowseChannel(t *testing.T) {
	sockPath := t.TempDir() + "/mdnsqd.sock"
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-make(chan struct{}) // hold the connection open for the test's lifetime
	}()

	c, err := Dial(sockPath, WithBrowseBufferSize(4))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 4, c.browseBuf)
	ch, err := c.BrowseAdd("_http._tcp.local")
	require.NoError(t, err)
	assert.Equal(t, 4, cap(ch))
}

func TestDial_WithDialTimeout_FailsFastOnUnreachableSocket(t *testing.T) {
	_, err := Dial("/nonexistent/path/to/mdnsqd.sock", WithDialTimeout(50*time.Millisecond))
	require.Error(t, err)
}

func TestBrowseAdd_StreamsEvents(t *testing.T) {
	c, srv := newPipe()
	defer c.Close()

	evCh, err := c.BrowseAdd("_http._tcp.local")
	require.NoError(t, err)

	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		_, req := srv.nextRequest(t)
		assert.Equal(t, rr.TypePTR, req.Key.Type)
		rec := rr.NewPTR("_http._tcp.local", "printer._http._tcp.local", 120)
		srv.reply(t, control.RespBrowseAdd, control.Response{Type: control.RespBrowseAdd, Record: rec})
	}()

	// net.Pipe is unbuffered: BrowseAdd's request write returns only once
	// the server goroutine above reads it.
	evCh, err := c.BrowseAdd("_http._tcp.local")
	require.NoError(t, err)
	<-reqDone

	select {
	case ev := <-evCh:
		assert.True(t, ev.Added)
		target, ok := ev.Record.AsPTR()
		require.True(t, ok)
		assert.Equal(t, "printer._http._tcp.local.", target)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for browse event")
	}
}
