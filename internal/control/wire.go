// Package control implements the local control-socket protocol: the
// length-prefixed request/response framing, fixed-size payload schemas,
// and the per-connection dispatcher that turns validated requests into
// engine calls and streams engine output back out.
//
// The wire format here is this daemon's own: RFC 6762 governs the
// multicast side, not the control socket, so padding and field order are
// free choices as long as a co-deployed client agrees — per the data
// model, the protocol is unversioned and assumes exactly that.
package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quietwire/mdnsqd/internal/aggregate"
	cerr "github.com/quietwire/mdnsqd/internal/errors"
	"github.com/quietwire/mdnsqd/internal/rr"
)

// MaxNameLen bounds a domain name or service-instance name field on the
// wire, sized like a traditional MAXHOSTNAMELEN.
const MaxNameLen = 256

// RequestType identifies a client→daemon frame.
type RequestType uint8

const (
	ReqLookup RequestType = iota + 1
	ReqBrowseAdd
	ReqBrowseDel
	ReqResolve
)

// ResponseType identifies a daemon→client frame.
type ResponseType uint8

const (
	RespLookup ResponseType = iota + 1
	RespBrowseAdd
	RespBrowseDel
	RespResolve
	RespFail
)

// requestKeySize is the wire size of a RecordSetKey: a NUL-padded name
// field plus type and class, each a network-endian uint16.
const requestKeySize = MaxNameLen + 2 + 2

// RequestPayloadSize is the fixed body size for every request type. RESOLVE
// reuses the same layout, leaving type/class as zero, so the dispatcher's
// length check ("body length MUST equal the fixed size for the request
// type") is one constant for all four kinds.
const RequestPayloadSize = requestKeySize

// Request is a decoded client→daemon frame.
type Request struct {
	Type RequestType
	Key  rr.Key // meaningful for LOOKUP/BROWSE_ADD/BROWSE_DEL
	Name string // meaningful for RESOLVE (and for Key.Name, already populated there too)
}

func putName(buf []byte, name string) {
	n := copy(buf, name)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getName(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// EncodeRequest serializes req into the fixed-size request payload.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, RequestPayloadSize)
	switch req.Type {
	case ReqResolve:
		putName(buf[:MaxNameLen], req.Name)
	default:
		putName(buf[:MaxNameLen], req.Key.Name)
		binary.BigEndian.PutUint16(buf[MaxNameLen:MaxNameLen+2], uint16(req.Key.Type))
		binary.BigEndian.PutUint16(buf[MaxNameLen+2:MaxNameLen+4], uint16(req.Key.Class))
	}
	return buf
}

// DecodeRequest validates and decodes a request payload for the given
// type, applying the control dispatcher's uniform validation rules: exact
// length, NUL-truncation of the name field, and (for key-bearing requests)
// supported type and class == IN.
func DecodeRequest(t RequestType, payload []byte) (Request, error) {
	if len(payload) != RequestPayloadSize {
		return Request{}, &cerr.RequestError{
			Op:     "decode request",
			Reason: fmtLen(len(payload), RequestPayloadSize),
		}
	}
	if t < ReqLookup || t > ReqResolve {
		return Request{}, &cerr.RequestError{Op: "decode request", Reason: "unknown request type"}
	}
	name := getName(payload[:MaxNameLen])

	if t == ReqResolve {
		if name == "" {
			return Request{}, &cerr.RequestError{Op: "resolve", Reason: "empty service instance name"}
		}
		return Request{Type: t, Name: name}, nil
	}

	typ := rr.Type(binary.BigEndian.Uint16(payload[MaxNameLen : MaxNameLen+2]))
	class := rr.Class(binary.BigEndian.Uint16(payload[MaxNameLen+2 : MaxNameLen+4]))

	if class != rr.ClassIN {
		return Request{}, &cerr.RequestError{Op: "class", Reason: "class is not IN"}
	}
	if !rr.Supported(typ) {
		return Request{}, &cerr.RequestError{Op: "type", Reason: "unsupported record type"}
	}
	if (t == ReqBrowseAdd || t == ReqBrowseDel) && typ != rr.TypePTR {
		return Request{}, &cerr.RequestError{Op: "type", Reason: "BROWSE requires type PTR"}
	}
	if name == "" {
		return Request{}, &cerr.RequestError{Op: "name", Reason: "empty domain name"}
	}

	return Request{Type: t, Key: rr.NewKey(name, typ), Name: name}, nil
}

func fmtLen(got, want int) string {
	return fmt.Sprintf("payload length %d, want %d", got, want)
}

// Response is an encoded daemon→client frame's logical content.
type Response struct {
	Type   ResponseType
	Record *rr.Record
	Desc   *aggregate.ServiceDescription
	Style  aggregate.Style // meaningful only for RespFail: which aggregate style gave up
}

// recordWireSize: key(260) + ttl(4) + cacheflush(1) + data(264); data has
// room for the largest payload variant (SRV: 2+2+2+256 = 262 bytes).
const recordDataSize = 264
const recordWireSize = requestKeySize + 4 + 1 + recordDataSize

// resolveWireSize: name(256) + text(256) + priority/weight/port(6) + addr(4)
const resolveWireSize = MaxNameLen + MaxNameLen + 2 + 2 + 2 + 4

// failWireSize: the same key layout RespLookup/RespBrowseAdd use, plus one
// style byte so the client knows whether to fail a pending LOOKUP (match on
// the full key) or a pending RESOLVE (match on Key.Name alone).
const failWireSize = requestKeySize + 1

// EncodeResponse serializes resp's payload (the frame type itself is
// written separately by WriteFrame).
func EncodeResponse(resp Response) []byte {
	switch resp.Type {
	case RespResolve:
		return encodeServiceDescription(resp.Desc)
	case RespFail:
		buf := make([]byte, failWireSize)
		if resp.Record != nil {
			putName(buf[:MaxNameLen], resp.Record.Key.Name)
			binary.BigEndian.PutUint16(buf[MaxNameLen:MaxNameLen+2], uint16(resp.Record.Key.Type))
			binary.BigEndian.PutUint16(buf[MaxNameLen+2:MaxNameLen+4], uint16(resp.Record.Key.Class))
		}
		buf[requestKeySize] = byte(resp.Style)
		return buf
	default:
		return encodeRecord(resp.Record)
	}
}

func encodeRecord(rec *rr.Record) []byte {
	buf := make([]byte, recordWireSize)
	putName(buf[:MaxNameLen], rec.Key.Name)
	binary.BigEndian.PutUint16(buf[MaxNameLen:MaxNameLen+2], uint16(rec.Key.Type))
	binary.BigEndian.PutUint16(buf[MaxNameLen+2:MaxNameLen+4], uint16(rec.Key.Class))
	binary.BigEndian.PutUint32(buf[requestKeySize:requestKeySize+4], rec.TTL)
	if rec.CacheFlush {
		buf[requestKeySize+4] = 1
	}

	data := buf[requestKeySize+5:]
	switch rec.Key.Type {
	case rr.TypeA:
		if addr, ok := rr.AsA(rec); ok {
			copy(data[:4], addr[:])
		}
	case rr.TypeSRV:
		if p, w, port, target, ok := rr.AsSRV(rec); ok {
			binary.BigEndian.PutUint16(data[0:2], p)
			binary.BigEndian.PutUint16(data[2:4], w)
			binary.BigEndian.PutUint16(data[4:6], port)
			putName(data[6:6+MaxNameLen], target)
		}
	case rr.TypeTXT:
		if txt, ok := rr.AsTXT(rec); ok && len(txt) > 0 {
			putName(data[:MaxNameLen], txt[0])
		}
	case rr.TypePTR, rr.TypeCNAME, rr.TypeNS:
		putName(data[:MaxNameLen], targetName(rec))
	case rr.TypeHINFO:
		if hinfo, ok := rec.Payload.(interface{ String() string }); ok {
			putName(data[:MaxNameLen], hinfo.String())
		}
	}
	return buf
}

func targetName(rec *rr.Record) string {
	switch rec.Key.Type {
	case rr.TypePTR:
		name, _ := rr.AsPTR(rec)
		return name
	case rr.TypeCNAME:
		name, _ := rr.AsCNAME(rec)
		return name
	case rr.TypeNS:
		name, _ := rr.AsNS(rec)
		return name
	default:
		return ""
	}
}

// DecodeResponse is EncodeResponse's inverse, used by the control client
// library to turn a daemon→client frame back into a Response. TXT data and
// service-description text carry only the first character-string, and a
// HINFO record, which EncodeResponse writes as its presentation string, is
// rejected with a WireFormatError.
func DecodeResponse(t ResponseType, payload []byte) (Response, error) {
	switch t {
	case RespResolve:
		if len(payload) != resolveWireSize {
			return Response{}, &cerr.WireFormatError{Operation: "decode resolve response", Message: fmtLen(len(payload), resolveWireSize)}
		}
		return Response{Type: t, Desc: decodeServiceDescription(payload)}, nil
	case RespFail:
		if len(payload) != failWireSize {
			return Response{}, &cerr.WireFormatError{Operation: "decode fail response", Message: fmtLen(len(payload), failWireSize)}
		}
		name := getName(payload[:MaxNameLen])
		typ := rr.Type(binary.BigEndian.Uint16(payload[MaxNameLen : MaxNameLen+2]))
		class := rr.Class(binary.BigEndian.Uint16(payload[MaxNameLen+2 : MaxNameLen+4]))
		style := aggregate.Style(payload[requestKeySize])
		return Response{
			Type:   t,
			Record: &rr.Record{Key: rr.Key{Name: rr.CanonicalName(name), Type: typ, Class: class}},
			Style:  style,
		}, nil
	default:
		if len(payload) != recordWireSize {
			return Response{}, &cerr.WireFormatError{Operation: "decode record response", Message: fmtLen(len(payload), recordWireSize)}
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return Response{}, err
		}
		return Response{Type: t, Record: rec}, nil
	}
}

func decodeRecord(buf []byte) (*rr.Record, error) {
	name := getName(buf[:MaxNameLen])
	typ := rr.Type(binary.BigEndian.Uint16(buf[MaxNameLen : MaxNameLen+2]))
	class := rr.Class(binary.BigEndian.Uint16(buf[MaxNameLen+2 : MaxNameLen+4]))
	ttl := binary.BigEndian.Uint32(buf[requestKeySize : requestKeySize+4])
	cacheFlush := buf[requestKeySize+4] != 0
	data := buf[requestKeySize+5:]

	key := rr.Key{Name: rr.CanonicalName(name), Type: typ, Class: class}

	switch typ {
	case rr.TypeA:
		var addr [4]byte
		copy(addr[:], data[:4])
		rec := rr.NewA(name, addr, ttl, cacheFlush)
		rec.Key = key
		return rec, nil
	case rr.TypeSRV:
		priority := binary.BigEndian.Uint16(data[0:2])
		weight := binary.BigEndian.Uint16(data[2:4])
		port := binary.BigEndian.Uint16(data[4:6])
		target := getName(data[6 : 6+MaxNameLen])
		rec := rr.NewSRV(name, priority, weight, port, target, ttl, cacheFlush)
		rec.Key = key
		return rec, nil
	case rr.TypeTXT:
		rec := rr.NewTXT(name, []byte(getName(data[:MaxNameLen])), ttl, cacheFlush)
		rec.Key = key
		return rec, nil
	case rr.TypePTR:
		rec := rr.NewPTR(name, getName(data[:MaxNameLen]), ttl)
		rec.Key = key
		rec.CacheFlush = cacheFlush
		return rec, nil
	case rr.TypeCNAME:
		rec := rr.NewCNAME(name, getName(data[:MaxNameLen]), ttl)
		rec.Key = key
		rec.CacheFlush = cacheFlush
		return rec, nil
	case rr.TypeNS:
		rec := rr.NewNS(name, getName(data[:MaxNameLen]), ttl)
		rec.Key = key
		rec.CacheFlush = cacheFlush
		return rec, nil
	default:
		return nil, &cerr.WireFormatError{Operation: "decode record", Message: "unsupported record type on wire"}
	}
}

func decodeServiceDescription(buf []byte) *aggregate.ServiceDescription {
	name := getName(buf[:MaxNameLen])
	text := getName(buf[MaxNameLen : 2*MaxNameLen])
	off := 2 * MaxNameLen
	desc := &aggregate.ServiceDescription{
		Name:     name,
		Priority: binary.BigEndian.Uint16(buf[off : off+2]),
		Weight:   binary.BigEndian.Uint16(buf[off+2 : off+4]),
		Port:     binary.BigEndian.Uint16(buf[off+4 : off+6]),
	}
	if text != "" {
		desc.Text = []string{text}
	}
	copy(desc.Addr[:], buf[off+6:off+10])
	return desc
}

func encodeServiceDescription(desc *aggregate.ServiceDescription) []byte {
	buf := make([]byte, resolveWireSize)
	putName(buf[:MaxNameLen], desc.Name)
	if len(desc.Text) > 0 {
		putName(buf[MaxNameLen:2*MaxNameLen], desc.Text[0])
	}
	off := 2 * MaxNameLen
	binary.BigEndian.PutUint16(buf[off:off+2], desc.Priority)
	binary.BigEndian.PutUint16(buf[off+2:off+4], desc.Weight)
	binary.BigEndian.PutUint16(buf[off+4:off+6], desc.Port)
	copy(buf[off+6:off+10], desc.Addr[:])
	return buf
}

// WriteFrame writes a length-prefixed frame: 4-byte big-endian total length
// (type byte + payload), then the type byte, then payload.
func WriteFrame(w io.Writer, t ResponseType, payload []byte) error {
	return writeFrame(w, byte(t), payload)
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (RequestType, []byte, error) {
	t, payload, err := readFrame(r)
	return RequestType(t), payload, err
}

// WriteRequestFrame writes a length-prefixed client→daemon frame; the
// client-library counterpart to WriteFrame, which only speaks the
// daemon→client direction.
func WriteRequestFrame(w io.Writer, t RequestType, payload []byte) error {
	return writeFrame(w, byte(t), payload)
}

// ReadResponseFrame reads one length-prefixed daemon→client frame; the
// client-library counterpart to ReadFrame.
func ReadResponseFrame(r io.Reader) (ResponseType, []byte, error) {
	t, payload, err := readFrame(r)
	return ResponseType(t), payload, err
}

func writeFrame(w io.Writer, t byte, payload []byte) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = t
	if _, err := w.Write(header); err != nil {
		return &cerr.NetworkError{Operation: "write frame header", Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return &cerr.NetworkError{Operation: "write frame payload", Err: err}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return 0, nil, &cerr.WireFormatError{Operation: "read frame", Message: "zero-length frame"}
	}
	t := header[4]
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, &cerr.NetworkError{Operation: "read frame payload", Err: err}
	}
	return t, payload, nil
}
