package zeroconf

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// Default TTLs per record class, in seconds. Host records (A, SRV) are
	// short-lived so a vanished host is noticed quickly; the rest (PTR, TXT)
	// are long-lived to keep the multicast load down.
	defaultHostTTL  = 120
	defaultOtherTTL = 4500

	// Meta-query name for enumerating service types, RFC 6763 Section 9.
	serviceTypeEnumerationName = "_services._dns-sd._udp.local."
)

// CheckServiceType validates a fully qualified service type, e.g.
// `_http._tcp.local.`. The protocol label must be `_tcp` or `_udp` and every
// label must start with an underscore up to the domain.
func CheckServiceType(ty string) error {
	if _, ok := dns.IsDomainName(ty); !ok {
		return fmt.Errorf("%w: %s", ErrMalformedServiceType, ty)
	}
	parts := strings.Split(strings.TrimSuffix(ty, "."), ".")
	if len(parts) < 3 {
		return fmt.Errorf("%w: %s", ErrMalformedServiceType, ty)
	}
	if proto := parts[1]; proto != "_tcp" && proto != "_udp" {
		return fmt.Errorf("%w: protocol must be _tcp or _udp in %s", ErrMalformedServiceType, ty)
	}
	if name := parts[0]; len(name) < 2 || !strings.HasPrefix(name, "_") {
		return fmt.Errorf("%w: %s", ErrMalformedServiceType, ty)
	}
	return nil
}

// ServiceInfo describes a single service instance: where it is reachable and
// what it advertises. It is both the unit of registration and the result of
// browsing.
type ServiceInfo struct {
	// Fully qualified service type, e.g. `_http._tcp.local.`
	Type string

	// Fully qualified instance name, e.g. `Office Printer._http._tcp.local.`
	Name string

	// Hostname serving the instance, e.g. `bryans-mac.local.`
	Server string

	// Addresses of the server. May be both IPv4 and IPv6.
	Addresses []netip.Addr

	Port     uint16
	Weight   uint16
	Priority uint16

	// Key-value properties, carried in the TXT record. A nil value encodes a
	// boolean (key-only) property.
	Properties map[string][]byte

	// TTLs in seconds for the host-class (A, SRV) and remaining records.
	// Zero means the defaults, 120 and 4500.
	HostTTL  uint32
	OtherTTL uint32
}

// NewServiceInfo creates an instance description for registration. The
// instance label is combined with the type into the fully qualified name.
func NewServiceInfo(ty, instance, server string, port uint16, addrs ...netip.Addr) *ServiceInfo {
	ty = ensureSuffix(ty, ".")
	return &ServiceInfo{
		Type:      ty,
		Name:      instance + "." + ty,
		Server:    ensureSuffix(server, "."),
		Port:      port,
		Addresses: addrs,
	}
}

func (s *ServiceInfo) String() string {
	return fmt.Sprintf("%v (%v:%d)", s.Name, s.Server, s.Port)
}

// Instance returns the instance label, the part of the name before the type.
func (s *ServiceInfo) Instance() string {
	return trimDot(strings.TrimSuffix(s.Name, s.Type))
}

func (s *ServiceInfo) Validate() error {
	if err := CheckServiceType(s.Type); err != nil {
		return err
	}
	if !strings.HasSuffix(strings.ToLower(s.Name), strings.ToLower(s.Type)) {
		return fmt.Errorf("%w: name %s does not end in type %s", ErrMalformedServiceType, s.Name, s.Type)
	}
	return nil
}

func (s *ServiceInfo) hostTTL() uint32 {
	if s.HostTTL != 0 {
		return s.HostTTL
	}
	return defaultHostTTL
}

func (s *ServiceInfo) otherTTL() uint32 {
	if s.OtherTTL != 0 {
		return s.OtherTTL
	}
	return defaultOtherTTL
}

// Text encodes the properties as TXT rdata, a sequence of length-prefixed
// key=value strings in sorted key order. No properties encodes as a single
// empty string.
func (s *ServiceInfo) Text() []byte {
	if len(s.Properties) == 0 {
		return []byte{0}
	}
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []byte
	for _, k := range keys {
		entry := []byte(k)
		if v := s.Properties[k]; v != nil {
			entry = append(entry, '=')
			entry = append(entry, v...)
		}
		if len(entry) > 255 {
			entry = entry[:255]
		}
		out = append(out, byte(len(entry)))
		out = append(out, entry...)
	}
	return out
}

// SetText decodes TXT rdata back into properties. A key without `=` becomes
// a nil-valued (boolean) property. Later duplicates of a key are ignored.
func (s *ServiceInfo) SetText(text []byte) {
	props := make(map[string][]byte)
	for off := 0; off < len(text); {
		n := int(text[off])
		off++
		if n == 0 || off+n > len(text) {
			break
		}
		entry := text[off : off+n]
		off += n
		key, value, found := strings.Cut(string(entry), "=")
		if key == "" {
			continue
		}
		if _, dup := props[key]; dup {
			continue
		}
		if found {
			props[key] = []byte(value)
		} else {
			props[key] = nil
		}
	}
	s.Properties = props
}

// The four records that advertise an instance, in the order they go out in a
// broadcast: PTR, SRV, TXT and one address record per address.
func (s *ServiceInfo) pointerRecord() *PointerRecord {
	return NewPointerRecord(s.Type, s.Name, s.otherTTL())
}

func (s *ServiceInfo) serviceRecord() *ServiceRecord {
	return NewServiceRecord(s.Name, s.Priority, s.Weight, s.Port, s.Server, s.hostTTL(), true)
}

func (s *ServiceInfo) textRecord() *TextRecord {
	return NewTextRecord(s.Name, s.Text(), s.otherTTL(), true)
}

func (s *ServiceInfo) addressRecords() []*AddressRecord {
	recs := make([]*AddressRecord, 0, len(s.Addresses))
	for _, addr := range s.Addresses {
		recs = append(recs, NewAddressRecord(s.Server, addr, s.hostTTL(), true))
	}
	return recs
}

// LoadFromCache fills in server, port, text and addresses from cached
// records and reports whether the instance is fully resolved.
func (s *ServiceInfo) LoadFromCache(c *Cache) bool {
	if rec, ok := c.GetByDetails(s.Name, dns.TypeSRV, dns.ClassINET).(*ServiceRecord); ok {
		s.Server = rec.Server
		s.Port = rec.Port
		s.Priority = rec.Priority
		s.Weight = rec.Weight
	}
	if rec, ok := c.GetByDetails(s.Name, dns.TypeTXT, dns.ClassINET).(*TextRecord); ok {
		s.SetText(rec.Text)
	}
	if s.Server != "" {
		var addrs []netip.Addr
		for _, rec := range c.EntriesWithName(s.Server) {
			if a, ok := rec.(*AddressRecord); ok {
				addrs = append(addrs, a.Addr)
			}
		}
		if len(addrs) > 0 {
			s.Addresses = addrs
		}
	}
	return s.Server != "" && len(s.Addresses) > 0 && s.Properties != nil
}

// Request resolves the instance by querying for its SRV, TXT and address
// records, retrying every 200ms until resolved or the timeout elapses.
// Cached records are used first and attached as known answers.
func (s *ServiceInfo) Request(e *Engine, timeout time.Duration) error {
	if s.LoadFromCache(e.Cache()) {
		return nil
	}
	const delay = 200 * time.Millisecond
	deadline := e.clock.Now().Add(timeout)
	next := e.clock.Now()
	for !s.LoadFromCache(e.Cache()) {
		now := e.clock.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("zeroconf: timeout resolving %s", s.Name)
		}
		if !now.Before(next) {
			out := s.resolutionQuery(e.Cache(), now)
			if err := e.Send(out); err != nil {
				return err
			}
			next = now.Add(delay)
		}
		e.wait(minDuration(next.Sub(now), deadline.Sub(now)))
	}
	return nil
}

// The query sent while resolving: SRV, TXT and address questions for the
// instance, with live cached records attached as known answers.
func (s *ServiceInfo) resolutionQuery(c *Cache, now time.Time) *Outgoing {
	out := NewOutgoing(0)
	out.AddQuestion(Question{Name: s.Name, Type: dns.TypeSRV, Class: dns.ClassINET})
	out.AddQuestion(Question{Name: s.Name, Type: dns.TypeTXT, Class: dns.ClassINET})
	for _, rec := range c.EntriesWithName(s.Name) {
		out.AddAnswerAt(rec, now)
	}
	if s.Server != "" {
		out.AddQuestion(Question{Name: s.Server, Type: dns.TypeA, Class: dns.ClassINET})
		for _, rec := range c.EntriesWithName(s.Server) {
			if _, ok := rec.(*AddressRecord); ok {
				out.AddAnswerAt(rec, now)
			}
		}
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
