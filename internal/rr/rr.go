// Package rr implements the resource-record value types and the
// case-insensitive name matching the rest of the daemon keys its lookups
// on: the (domain-name, type, class) triple, the record itself, and the
// conversions between them and github.com/miekg/dns's wire-format types.
//
// The core never packs or parses DNS messages itself — that's the network
// collaborator's job — but it does need a typed, comparable representation
// of a record to store in the cache and hand back to clients. Rather than
// invent one, Record wraps a dns.RR: every other DNS-flavored repo in this
// corpus reaches for the same library for exactly this reason.
package rr

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Class is always IN for mDNS; kept as a type for symmetry with Type and to
// leave room for the cache-flush bit, which travels out-of-band on Record
// rather than folded into Class as the wire format does.
type Class uint16

// ClassIN is the only class value used on the wire.
const ClassIN Class = dns.ClassINET

// Type identifies a supported resource record type.
type Type uint16

// Supported record types per the data model.
const (
	TypeA     Type = dns.TypeA
	TypeNS    Type = dns.TypeNS
	TypeCNAME Type = dns.TypeCNAME
	TypeHINFO Type = dns.TypeHINFO
	TypePTR   Type = dns.TypePTR
	TypeTXT   Type = dns.TypeTXT
	TypeSRV   Type = dns.TypeSRV
)

// TypeName returns the diagnostic name for a record type, e.g. for log
// lines; unknown types render as "TYPE<n>" rather than panicking.
func TypeName(t Type) string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypeCNAME:
		return "CNAME"
	case TypeHINFO:
		return "HINFO"
	case TypePTR:
		return "PTR"
	case TypeTXT:
		return "TXT"
	case TypeSRV:
		return "SRV"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// ParseType maps a diagnostic name back to a Type, for control requests and
// config that name a type as a string.
func ParseType(s string) (Type, bool) {
	switch strings.ToUpper(s) {
	case "A":
		return TypeA, true
	case "NS":
		return TypeNS, true
	case "CNAME":
		return TypeCNAME, true
	case "HINFO":
		return TypeHINFO, true
	case "PTR":
		return TypePTR, true
	case "TXT":
		return TypeTXT, true
	case "SRV":
		return TypeSRV, true
	default:
		return 0, false
	}
}

// Supported reports whether t is one of the seven types this daemon
// understands; everything else is rejected by control-request validation.
func Supported(t Type) bool {
	_, ok := typeSet[t]
	return ok
}

var typeSet = map[Type]struct{}{
	TypeA: {}, TypeNS: {}, TypeCNAME: {}, TypeHINFO: {}, TypePTR: {}, TypeTXT: {}, TypeSRV: {},
}

// CanonicalName lowercases and fully-qualifies name for case-insensitive
// comparison and as a map key, per RFC 1035's ASCII case-insensitivity rule.
func CanonicalName(name string) string {
	return dns.CanonicalName(name)
}

// NameEqual compares two domain names case-insensitively, ignoring a
// trailing root label on either side.
func NameEqual(a, b string) bool {
	return CanonicalName(a) == CanonicalName(b)
}

// Key is the record-set key: the unit of cache lookup and question dedup.
type Key struct {
	Name  string // canonical (lowercased, fully-qualified) domain name
	Type  Type
	Class Class
}

// NewKey builds a Key, canonicalizing name so Key equality implies
// case-insensitive name equality.
func NewKey(name string, t Type) Key {
	return Key{Name: CanonicalName(name), Type: t, Class: ClassIN}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s", k.Name, TypeName(k.Type))
}

// KeyEqual reports whether two keys identify the same record set.
func KeyEqual(a, b Key) bool {
	return a == b
}

// Record is a RecordSetKey plus TTL, the cache-flush bit, and a typed
// payload. TTL is the remaining lifetime in seconds as supplied to the
// cache; the cache itself tracks the absolute deadline separately.
type Record struct {
	Key        Key
	TTL        uint32
	CacheFlush bool
	Payload    dns.RR
}

// RecordEqual compares the (key, payload) tuple, per the data model's
// record-equality invariant. TTL and the cache-flush bit are not part of
// record identity: a refreshed TTL doesn't make a record "different".
func RecordEqual(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Key != b.Key {
		return false
	}
	return payloadEqual(a.Payload, b.Payload)
}

func payloadEqual(a, b dns.RR) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch av := a.(type) {
	case *dns.A:
		bv, ok := b.(*dns.A)
		return ok && av.A.Equal(bv.A)
	case *dns.PTR:
		bv, ok := b.(*dns.PTR)
		return ok && NameEqual(av.Ptr, bv.Ptr)
	case *dns.CNAME:
		bv, ok := b.(*dns.CNAME)
		return ok && NameEqual(av.Target, bv.Target)
	case *dns.NS:
		bv, ok := b.(*dns.NS)
		return ok && NameEqual(av.Ns, bv.Ns)
	case *dns.SRV:
		bv, ok := b.(*dns.SRV)
		return ok && av.Priority == bv.Priority && av.Weight == bv.Weight &&
			av.Port == bv.Port && NameEqual(av.Target, bv.Target)
	case *dns.TXT:
		bv, ok := b.(*dns.TXT)
		if !ok || len(av.Txt) != len(bv.Txt) {
			return false
		}
		for i := range av.Txt {
			if av.Txt[i] != bv.Txt[i] {
				return false
			}
		}
		return true
	case *dns.HINFO:
		bv, ok := b.(*dns.HINFO)
		return ok && av.Cpu == bv.Cpu && av.Os == bv.Os
	default:
		return a.String() == b.String()
	}
}

func header(name string, t Type, ttl uint32) dns.RR_Header {
	return dns.RR_Header{Name: dns.Fqdn(name), Rrtype: uint16(t), Class: uint16(ClassIN), Ttl: ttl}
}

// NewA builds an A record.
func NewA(name string, addr [4]byte, ttl uint32, cacheFlush bool) *Record {
	return &Record{
		Key:        NewKey(name, TypeA),
		TTL:        ttl,
		CacheFlush: cacheFlush,
		Payload:    &dns.A{Hdr: header(name, TypeA, ttl), A: addr[:]},
	}
}

// NewPTR builds a PTR record (cache-flush is always false for PTR — it is
// a shared record per RFC 6762 §10.2, since many services share one type).
func NewPTR(name, target string, ttl uint32) *Record {
	return &Record{
		Key:     NewKey(name, TypePTR),
		TTL:     ttl,
		Payload: &dns.PTR{Hdr: header(name, TypePTR, ttl), Ptr: dns.Fqdn(target)},
	}
}

// NewSRV builds an SRV record.
func NewSRV(name string, priority, weight, port uint16, target string, ttl uint32, cacheFlush bool) *Record {
	return &Record{
		Key:        NewKey(name, TypeSRV),
		TTL:        ttl,
		CacheFlush: cacheFlush,
		Payload: &dns.SRV{
			Hdr:      header(name, TypeSRV, ttl),
			Priority: priority,
			Weight:   weight,
			Port:     port,
			Target:   dns.Fqdn(target),
		},
	}
}

// maxTXTStringLen is the per-character-string length cap for a TXT record
// as carried across the control-socket boundary (MAXHOSTNAMELEN-sized, per
// the data model; the wire format itself caps each character-string at 255
// bytes regardless).
const maxTXTStringLen = 255

// NewTXT builds a TXT record from a single bounded byte string.
func NewTXT(name string, text []byte, ttl uint32, cacheFlush bool) *Record {
	if len(text) > maxTXTStringLen {
		text = text[:maxTXTStringLen]
	}
	return &Record{
		Key:        NewKey(name, TypeTXT),
		TTL:        ttl,
		CacheFlush: cacheFlush,
		Payload:    &dns.TXT{Hdr: header(name, TypeTXT, ttl), Txt: []string{string(text)}},
	}
}

// NewHINFO builds a HINFO record.
func NewHINFO(name, cpu, os string, ttl uint32) *Record {
	return &Record{
		Key:     NewKey(name, TypeHINFO),
		TTL:     ttl,
		Payload: &dns.HINFO{Hdr: header(name, TypeHINFO, ttl), Cpu: cpu, Os: os},
	}
}

// NewCNAME builds a CNAME record.
func NewCNAME(name, target string, ttl uint32) *Record {
	return &Record{
		Key:     NewKey(name, TypeCNAME),
		TTL:     ttl,
		Payload: &dns.CNAME{Hdr: header(name, TypeCNAME, ttl), Target: dns.Fqdn(target)},
	}
}

// NewNS builds an NS record.
func NewNS(name, target string, ttl uint32) *Record {
	return &Record{
		Key:     NewKey(name, TypeNS),
		TTL:     ttl,
		Payload: &dns.NS{Hdr: header(name, TypeNS, ttl), Ns: dns.Fqdn(target)},
	}
}

// AsSRV extracts an SRV payload's fields, for composing a resolved service
// description.
func AsSRV(rec *Record) (priority, weight, port uint16, target string, ok bool) {
	srv, ok := rec.Payload.(*dns.SRV)
	if !ok {
		return 0, 0, 0, "", false
	}
	return srv.Priority, srv.Weight, srv.Port, srv.Target, true
}

// AsTXT extracts a TXT payload's character-strings.
func AsTXT(rec *Record) ([]string, bool) {
	txt, ok := rec.Payload.(*dns.TXT)
	if !ok {
		return nil, false
	}
	return txt.Txt, true
}

// AsPTR extracts a PTR payload's target.
func AsPTR(rec *Record) (string, bool) {
	ptr, ok := rec.Payload.(*dns.PTR)
	if !ok {
		return "", false
	}
	return ptr.Ptr, true
}

// AsCNAME extracts a CNAME payload's target.
func AsCNAME(rec *Record) (string, bool) {
	cname, ok := rec.Payload.(*dns.CNAME)
	if !ok {
		return "", false
	}
	return cname.Target, true
}

// AsNS extracts an NS payload's target.
func AsNS(rec *Record) (string, bool) {
	ns, ok := rec.Payload.(*dns.NS)
	if !ok {
		return "", false
	}
	return ns.Ns, true
}

// AsA extracts an A payload's address.
func AsA(rec *Record) (addr [4]byte, ok bool) {
	a, ok := rec.Payload.(*dns.A)
	if !ok {
		return addr, false
	}
	ip4 := a.A.To4()
	if ip4 == nil {
		return addr, false
	}
	copy(addr[:], ip4)
	return addr, true
}

// FromRR converts a dns.RR read off the wire into a Record. cacheFlush is
// extracted by the caller from the class field's top bit (RFC 6762 §10.2)
// before the class is normalized back to IN; FromRR itself just takes the
// already-decoded flag.
func FromRR(r dns.RR, cacheFlush bool) (*Record, bool) {
	h := r.Header()
	t := Type(h.Rrtype)
	if !Supported(t) {
		return nil, false
	}
	return &Record{
		Key:        NewKey(h.Name, t),
		TTL:        h.Ttl,
		CacheFlush: cacheFlush,
		Payload:    r,
	}, true
}
