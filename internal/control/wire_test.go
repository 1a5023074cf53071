package control

import (
	"bytes"
	"testing"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	"github.com/quietwire/mdnsqd/internal/rr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_WrongLength(t *testing.T) {
	_, err := DecodeRequest(ReqLookup, make([]byte, 12))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload length 12, want 260")
}

func TestEncodeDecodeRequest_Lookup_RoundTrip(t *testing.T) {
	req := Request{Type: ReqLookup, Key: rr.NewKey("printer.local", rr.TypeA)}
	payload := EncodeRequest(req)
	assert.Len(t, payload, RequestPayloadSize)

	got, err := DecodeRequest(ReqLookup, payload)
	require.NoError(t, err)
	assert.True(t, rr.KeyEqual(got.Key, req.Key))
}

func TestDecodeRequest_BrowseAdd_RejectsNonPTR(t *testing.T) {
	req := Request{Type: ReqBrowseAdd, Key: rr.NewKey("_http._tcp.local", rr.TypeA)}
	payload := EncodeRequest(req)
	_, err := DecodeRequest(ReqBrowseAdd, payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PTR")
}

func TestDecodeRequest_RejectsUnsupportedType(t *testing.T) {
	payload := EncodeRequest(Request{Type: ReqLookup, Key: rr.Key{Name: rr.CanonicalName("x.local"), Type: 28, Class: rr.ClassIN}})
	_, err := DecodeRequest(ReqLookup, payload)
	require.Error(t, err)
}

func TestEncodeDecodeRequest_Resolve_RoundTrip(t *testing.T) {
	req := Request{Type: ReqResolve, Name: "srv1._http._tcp.local"}
	payload := EncodeRequest(req)
	got, err := DecodeRequest(ReqResolve, payload)
	require.NoError(t, err)
	assert.Equal(t, "srv1._http._tcp.local", got.Name)
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	require.NoError(t, WriteFrame(&buf, RespLookup, payload))

	gotType, gotPayload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, RequestType(RespLookup), gotType)
	assert.Equal(t, payload, gotPayload)
}

func TestEncodeRecord_A(t *testing.T) {
	rec := rr.NewA("printer.local", [4]byte{10, 0, 0, 5}, 120, true)
	payload := EncodeResponse(Response{Type: RespLookup, Record: rec})
	assert.Len(t, payload, recordWireSize)
	assert.Equal(t, byte(1), payload[requestKeySize+4], "cache-flush bit")
}

func TestEncodeServiceDescription(t *testing.T) {
	desc := &aggregate.ServiceDescription{
		Name: "srv1._http._tcp.local", Text: []string{"path=/"},
		Priority: 0, Weight: 0, Port: 8080, Addr: [4]byte{10, 0, 0, 7},
	}
	payload := EncodeResponse(Response{Type: RespResolve, Desc: desc})
	assert.Len(t, payload, resolveWireSize)
	assert.Equal(t, getName(payload[:MaxNameLen]), desc.Name)
}

func TestEncodeDecodeResponse_Fail_Lookup_RoundTrip(t *testing.T) {
	key := rr.NewKey("ghost.local", rr.TypeA)
	payload := EncodeResponse(Response{Type: RespFail, Record: &rr.Record{Key: key}, Style: aggregate.Lookup})
	assert.Len(t, payload, failWireSize)

	got, err := DecodeResponse(RespFail, payload)
	require.NoError(t, err)
	assert.Equal(t, aggregate.Lookup, got.Style)
	require.NotNil(t, got.Record)
	assert.True(t, rr.KeyEqual(got.Record.Key, key))
}

func TestEncodeDecodeResponse_Fail_Resolve_RoundTrip(t *testing.T) {
	key := rr.NewKey("srv1._http._tcp.local", rr.TypeSRV)
	payload := EncodeResponse(Response{Type: RespFail, Record: &rr.Record{Key: key}, Style: aggregate.Resolve})

	got, err := DecodeResponse(RespFail, payload)
	require.NoError(t, err)
	assert.Equal(t, aggregate.Resolve, got.Style)
	assert.Equal(t, "srv1._http._tcp.local.", got.Record.Key.Name)
}

func TestDecodeResponse_Fail_WrongLength(t *testing.T) {
	_, err := DecodeResponse(RespFail, make([]byte, 12))
	require.Error(t, err)
}
