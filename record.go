package zeroconf

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// RFC 6762 Section 10.2: [...] the host sets the most significant bit of the rrclass
	// field of the resource record.  This bit, the cache-flush bit, tells neighboring hosts that
	// this is not a shared record type.
	classCacheFlush = 1 << 15

	// RFC 6762 Section 18.12: In the Question Section of a Multicast DNS query, the top bit of the
	// qclass field is used to indicate that unicast responses are preferred for this particular
	// question.
	qClassUnicastResponse = 1 << 15
)

// A single DNS question: name, record type code and class.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// Whether the top bit of the qclass requests a unicast response.
func (q Question) UnicastResponse() bool {
	return q.Class&qClassUnicastResponse != 0
}

func (q Question) matchesType(t uint16) bool {
	return q.Type == t || q.Type == dns.TypeANY
}

// RecordHeader holds the fields shared by all resource record variants.
// Created is stamped when the record enters the process (parse or cache
// insert) and anchors TTL expiry.
type RecordHeader struct {
	Name    string
	Type    uint16
	Class   uint16
	Unique  bool // cache-flush bit
	TTL     uint32
	Created time.Time
}

// A record is stale once created + ttl has elapsed. TTL 0 is immediately stale.
func (h *RecordHeader) Expired(now time.Time) bool {
	return !now.Before(h.Created.Add(time.Duration(h.TTL) * time.Second))
}

// Seconds of TTL left at now, for rewriting answers on the wire.
func (h *RecordHeader) remainingTTL(now time.Time) uint32 {
	if h.Created.IsZero() {
		return h.TTL
	}
	left := h.Created.Add(time.Duration(h.TTL) * time.Second).Sub(now)
	if left <= 0 {
		return 0
	}
	return uint32((left + time.Second - 1) / time.Second)
}

func (h *RecordHeader) matches(o *RecordHeader) bool {
	return h.Type == o.Type && h.Class == o.Class && strings.EqualFold(h.Name, o.Name)
}

// Record is the polymorphic resource record, keyed by its RR type code.
// Variants implement their own payload encoding and equality; dispatch is
// by type code, both here and in the decoder.
type Record interface {
	Header() *RecordHeader
	writeData(w *packetWriter) error
	equalData(o Record) bool
}

// Same (name, type, class) and payload. TTL and age are not part of identity.
func equalRecords(a, b Record) bool {
	return a.Header().matches(b.Header()) && a.equalData(b)
}

// Returns true if rec appears in the known-answer list with more than 1/2 ttl remaining.
//
// RFC6762 7.1. Known-Answer Suppression.
func suppressedBy(rec Record, knowns []Record) bool {
	for _, known := range knowns {
		if equalRecords(rec, known) && known.Header().TTL >= rec.Header().TTL/2 {
			return true
		}
	}
	return false
}

func newRecordHeader(name string, typ uint16, ttl uint32, unique bool) RecordHeader {
	return RecordHeader{Name: name, Type: typ, Class: dns.ClassINET, Unique: unique, TTL: ttl}
}

// AddressRecord is an A or AAAA record, chosen by the address family.
type AddressRecord struct {
	RecordHeader
	Addr netip.Addr
}

func NewAddressRecord(name string, addr netip.Addr, ttl uint32, unique bool) *AddressRecord {
	addr = addr.Unmap()
	typ := uint16(dns.TypeA)
	if addr.Is6() {
		typ = dns.TypeAAAA
	}
	return &AddressRecord{newRecordHeader(name, typ, ttl, unique), addr}
}

func (r *AddressRecord) Header() *RecordHeader { return &r.RecordHeader }

func (r *AddressRecord) writeData(w *packetWriter) error {
	w.writeBytes(r.Addr.AsSlice())
	return nil
}

func (r *AddressRecord) equalData(o Record) bool {
	other, ok := o.(*AddressRecord)
	return ok && r.Addr == other.Addr
}

func (r *AddressRecord) String() string {
	return fmt.Sprintf("%s address %s", r.Name, r.Addr)
}

// PointerRecord aliases a (service type) name to a service instance name.
// PTR records are shared, never unique (RFC 6762 Section 10).
type PointerRecord struct {
	RecordHeader
	Alias string
}

func NewPointerRecord(name, alias string, ttl uint32) *PointerRecord {
	return &PointerRecord{newRecordHeader(name, dns.TypePTR, ttl, false), alias}
}

func (r *PointerRecord) Header() *RecordHeader { return &r.RecordHeader }

func (r *PointerRecord) writeData(w *packetWriter) error {
	return w.writeName(r.Alias)
}

func (r *PointerRecord) equalData(o Record) bool {
	other, ok := o.(*PointerRecord)
	return ok && strings.EqualFold(r.Alias, other.Alias)
}

func (r *PointerRecord) String() string {
	return fmt.Sprintf("%s ptr %s", r.Name, r.Alias)
}

// TextRecord carries raw TXT rdata (length-prefixed strings).
type TextRecord struct {
	RecordHeader
	Text []byte
}

func NewTextRecord(name string, text []byte, ttl uint32, unique bool) *TextRecord {
	if len(text) == 0 {
		text = []byte{0}
	}
	return &TextRecord{newRecordHeader(name, dns.TypeTXT, ttl, unique), text}
}

func (r *TextRecord) Header() *RecordHeader { return &r.RecordHeader }

func (r *TextRecord) writeData(w *packetWriter) error {
	w.writeBytes(r.Text)
	return nil
}

func (r *TextRecord) equalData(o Record) bool {
	other, ok := o.(*TextRecord)
	return ok && string(r.Text) == string(other.Text)
}

func (r *TextRecord) String() string {
	return fmt.Sprintf("%s text %d bytes", r.Name, len(r.Text))
}

// ServiceRecord locates a service instance: priority, weight, port and the
// hostname serving it.
type ServiceRecord struct {
	RecordHeader
	Priority uint16
	Weight   uint16
	Port     uint16
	Server   string
}

func NewServiceRecord(name string, priority, weight, port uint16, server string, ttl uint32, unique bool) *ServiceRecord {
	return &ServiceRecord{newRecordHeader(name, dns.TypeSRV, ttl, unique), priority, weight, port, server}
}

func (r *ServiceRecord) Header() *RecordHeader { return &r.RecordHeader }

func (r *ServiceRecord) writeData(w *packetWriter) error {
	w.writeUint16(r.Priority)
	w.writeUint16(r.Weight)
	w.writeUint16(r.Port)
	return w.writeName(r.Server)
}

func (r *ServiceRecord) equalData(o Record) bool {
	other, ok := o.(*ServiceRecord)
	return ok && r.Priority == other.Priority && r.Weight == other.Weight &&
		r.Port == other.Port && strings.EqualFold(r.Server, other.Server)
}

func (r *ServiceRecord) String() string {
	return fmt.Sprintf("%s service %s:%d", r.Name, r.Server, r.Port)
}

// HostInfoRecord describes the host CPU and OS.
type HostInfoRecord struct {
	RecordHeader
	CPU string
	OS  string
}

func NewHostInfoRecord(name, cpu, os string, ttl uint32) *HostInfoRecord {
	return &HostInfoRecord{newRecordHeader(name, dns.TypeHINFO, ttl, false), cpu, os}
}

func (r *HostInfoRecord) Header() *RecordHeader { return &r.RecordHeader }

func (r *HostInfoRecord) writeData(w *packetWriter) error {
	if err := w.writeCharString(r.CPU); err != nil {
		return err
	}
	return w.writeCharString(r.OS)
}

func (r *HostInfoRecord) equalData(o Record) bool {
	other, ok := o.(*HostInfoRecord)
	return ok && r.CPU == other.CPU && r.OS == other.OS
}

func (r *HostInfoRecord) String() string {
	return fmt.Sprintf("%s hinfo %s %s", r.Name, r.CPU, r.OS)
}
