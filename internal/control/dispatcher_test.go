package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quietwire/mdnsqd/internal/cache"
	"github.com/quietwire/mdnsqd/internal/engine"
	"github.com/quietwire/mdnsqd/internal/question"
	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCollaborator struct{}

func (nopCollaborator) SendQuestion(rr.Key, []*rr.Record) {}

func TestDispatcher_LookupHit_RespondsImmediately(t *testing.T) {
	c := cache.New()
	rec := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, false)
	c.Insert(rec, time.Now(), 1)

	eng := engine.New(c, question.New(c), nopCollaborator{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	d := New(eng, nil)
	client, server := net.Pipe()
	defer client.Close()
	go d.handleConn(ctx, server)

	req := Request{Type: ReqLookup, Key: rec.Key}
	require.NoError(t, WriteFrame(client, ResponseType(ReqLookup), EncodeRequest(req)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, payload, err := ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, RequestType(RespLookup), typ)
	assert.Len(t, payload, recordWireSize)
}

func TestDispatcher_BrowseAdd_StreamsLaterArrival(t *testing.T) {
	c := cache.New()
	eng := engine.New(c, question.New(c), nopCollaborator{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	d := New(eng, nil)
	client, server := net.Pipe()
	defer client.Close()
	go d.handleConn(ctx, server)

	key := rr.NewKey("_http._tcp.local", rr.TypePTR)
	req := Request{Type: ReqBrowseAdd, Key: key}
	require.NoError(t, WriteFrame(client, ResponseType(ReqBrowseAdd), EncodeRequest(req)))

	ptr := rr.NewPTR("_http._tcp.local", "srv1._http._tcp.local", 120)
	eng.Deliver(ptr, time.Now())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, _, err := ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, RequestType(RespBrowseAdd), typ)
}
