package zeroconf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	// Packet splitting kicks in above the typical ceiling; the absolute
	// ceiling is the hard protocol bound, enforced on send.
	maxMsgTypical  = 1460
	maxMsgAbsolute = 8966

	headerLen = 12

	flagResponse = uint16(0x8000)
	flagAA       = uint16(0x0400)
	flagTC       = uint16(0x0200)

	maxLabelLen = 63

	// Bounds for names reassembled through compression back-references,
	// guarding against decompression bombs and pointer loops. Plain
	// sequential names are bounded only by the label rule and packet size.
	maxCompressedNameLen = 255
	maxPointerHops       = 16
)

// Outgoing is a mutable builder for one logical DNS message. Serializing may
// yield multiple independent wire packets, each replaying the questions so
// that every packet parses standalone.
type Outgoing struct {
	ID          uint16
	Flags       uint16
	Questions   []Question
	Answers     []answerAt
	Authorities []Record
	Additionals []Record

	// Unicast legacy responses echo the query ID and questions.
	multicast bool
}

type answerAt struct {
	rec Record
	// When non-zero, the wire TTL is rewritten to the remaining fraction at
	// this instant.
	at time.Time
}

func NewOutgoing(flags uint16) *Outgoing {
	return &Outgoing{Flags: flags, multicast: true}
}

func (out *Outgoing) IsQuery() bool    { return out.Flags&flagResponse == 0 }
func (out *Outgoing) IsResponse() bool { return out.Flags&flagResponse != 0 }

// Duplicate questions are accepted and encoded without deduplication.
func (out *Outgoing) AddQuestion(q Question) {
	out.Questions = append(out.Questions, q)
}

// AddAnswer appends rec unless the known-answer list of msg suppresses it,
// and reports whether the record was added. A nil msg skips suppression.
func (out *Outgoing) AddAnswer(msg *Incoming, rec Record) bool {
	if msg != nil && suppressedBy(rec, msg.Answers) {
		return false
	}
	out.AddAnswerAt(rec, time.Time{})
	return true
}

// AddAnswerAt appends rec with its TTL rewritten relative to now on the wire.
func (out *Outgoing) AddAnswerAt(rec Record, now time.Time) {
	out.Answers = append(out.Answers, answerAt{rec, now})
}

func (out *Outgoing) AddAuthority(rec Record) {
	out.Authorities = append(out.Authorities, rec)
}

func (out *Outgoing) AddAdditional(rec Record) {
	out.Additionals = append(out.Additionals, rec)
}

const (
	sectionAnswer = iota
	sectionAuthority
	sectionAdditional
)

type outRecord struct {
	rec     Record
	at      time.Time
	section int
}

// Packets serializes the message. Records that push a packet past the typical
// ceiling spill into a follow-up packet with a fresh compression table; a
// record that doesn't fit even alone is still emitted (the send path enforces
// the absolute ceiling). Building fails if any name carries a label over 63
// bytes.
func (out *Outgoing) Packets() ([][]byte, error) {
	recs := make([]outRecord, 0, len(out.Answers)+len(out.Authorities)+len(out.Additionals))
	for _, a := range out.Answers {
		recs = append(recs, outRecord{a.rec, a.at, sectionAnswer})
	}
	for _, rec := range out.Authorities {
		recs = append(recs, outRecord{rec, time.Time{}, sectionAuthority})
	}
	for _, rec := range out.Additionals {
		recs = append(recs, outRecord{rec, time.Time{}, sectionAdditional})
	}

	var pkts [][]byte
	off := 0
	for {
		w := newPacketWriter()
		for _, q := range out.Questions {
			if err := w.writeQuestion(q); err != nil {
				return nil, err
			}
		}
		var counts [3]int
		written := 0
		for off < len(recs) {
			mark := w.mark()
			if err := w.writeRecord(recs[off].rec, recs[off].at); err != nil {
				return nil, err
			}
			if len(w.buf) > maxMsgTypical && written > 0 {
				w.rollback(mark)
				break
			}
			counts[recs[off].section]++
			written++
			off++
		}
		more := off < len(recs)
		flags := out.Flags
		if more && out.IsQuery() {
			flags |= flagTC
		}
		var id uint16
		if !out.multicast {
			id = out.ID
		}
		binary.BigEndian.PutUint16(w.buf[0:], id)
		binary.BigEndian.PutUint16(w.buf[2:], flags)
		binary.BigEndian.PutUint16(w.buf[4:], uint16(len(out.Questions)))
		binary.BigEndian.PutUint16(w.buf[6:], uint16(counts[sectionAnswer]))
		binary.BigEndian.PutUint16(w.buf[8:], uint16(counts[sectionAuthority]))
		binary.BigEndian.PutUint16(w.buf[10:], uint16(counts[sectionAdditional]))
		pkts = append(pkts, w.buf)
		if !more {
			return pkts, nil
		}
	}
}

// packetWriter serializes one wire packet, tracking name offsets for
// compression. The first 12 bytes are reserved for the header.
type packetWriter struct {
	buf   []byte
	names map[string]int
}

func newPacketWriter() *packetWriter {
	return &packetWriter{
		buf:   make([]byte, headerLen, 512),
		names: make(map[string]int),
	}
}

func (w *packetWriter) mark() int { return len(w.buf) }

// rollback truncates to a previous mark and drops compression entries that
// point past it.
func (w *packetWriter) rollback(mark int) {
	w.buf = w.buf[:mark]
	for name, off := range w.names {
		if off >= mark {
			delete(w.names, name)
		}
	}
}

func (w *packetWriter) writeByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *packetWriter) writeBytes(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *packetWriter) writeUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *packetWriter) writeUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *packetWriter) writeCharString(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("zeroconf: character-string exceeds 255 bytes: %q", s)
	}
	w.writeByte(byte(len(s)))
	w.writeBytes([]byte(s))
	return nil
}

// writeName encodes a dotted name with standard DNS label encoding. A name
// (or suffix) already written earlier in the packet is replaced by a 14-bit
// back-reference instead of being repeated.
func (w *packetWriter) writeName(name string) error {
	name = strings.TrimSuffix(name, ".")
	for name != "" {
		if off, ok := w.names[name]; ok {
			w.writeUint16(uint16(0xC000 | off))
			return nil
		}
		label, rest, _ := strings.Cut(name, ".")
		if len(label) > maxLabelLen {
			return fmt.Errorf("%w: %q", ErrNamePartTooLong, label)
		}
		if off := len(w.buf); off < 0x4000 {
			w.names[name] = off
		}
		w.writeByte(byte(len(label)))
		w.writeBytes([]byte(label))
		name = rest
	}
	w.writeByte(0)
	return nil
}

func (w *packetWriter) writeQuestion(q Question) error {
	if err := w.writeName(q.Name); err != nil {
		return err
	}
	w.writeUint16(q.Type)
	w.writeUint16(q.Class)
	return nil
}

func (w *packetWriter) writeRecord(rec Record, now time.Time) error {
	hdr := rec.Header()
	if err := w.writeName(hdr.Name); err != nil {
		return err
	}
	w.writeUint16(hdr.Type)
	class := hdr.Class
	if hdr.Unique {
		class |= classCacheFlush
	}
	w.writeUint16(class)
	if now.IsZero() {
		w.writeUint32(hdr.TTL)
	} else {
		w.writeUint32(hdr.remainingTTL(now))
	}
	lenOff := len(w.buf)
	w.writeUint16(0)
	if err := rec.writeData(w); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(w.buf[lenOff:], uint16(len(w.buf)-lenOff-2))
	return nil
}

// Incoming is a parsed view of one received packet. Records of unsupported
// types are skipped, not errors; malformed packets fail as a whole and are
// reported to the caller for dropping.
type Incoming struct {
	ID          uint16
	Flags       uint16
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

func (in *Incoming) IsQuery() bool    { return in.Flags&flagResponse == 0 }
func (in *Incoming) IsResponse() bool { return in.Flags&flagResponse != 0 }
func (in *Incoming) Truncated() bool  { return in.Flags&flagTC != 0 }

// NewIncoming parses a received datagram, stamping records with the current
// time for TTL accounting.
func NewIncoming(data []byte) (*Incoming, error) {
	return newIncomingAt(data, time.Now())
}

func newIncomingAt(data []byte, now time.Time) (*Incoming, error) {
	r := &packetReader{data: data}
	id, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	flags, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	var counts [4]int
	for i := range counts {
		n, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		counts[i] = int(n)
	}
	in := &Incoming{ID: id, Flags: flags}
	for i := 0; i < counts[0]; i++ {
		q, err := r.readQuestion()
		if err != nil {
			return nil, err
		}
		in.Questions = append(in.Questions, q)
	}
	if in.Answers, err = r.readRecords(counts[1], now); err != nil {
		return nil, err
	}
	if in.Authorities, err = r.readRecords(counts[2], now); err != nil {
		return nil, err
	}
	if in.Additionals, err = r.readRecords(counts[3], now); err != nil {
		return nil, err
	}
	return in, nil
}

var errTruncated = errors.New("zeroconf: truncated message")

type packetReader struct {
	data []byte
	off  int
}

func (r *packetReader) readUint16() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *packetReader) readUint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, errTruncated
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *packetReader) readCharString() (string, error) {
	if r.off >= len(r.data) {
		return "", errTruncated
	}
	n := int(r.data[r.off])
	if r.off+1+n > len(r.data) {
		return "", errTruncated
	}
	s := string(r.data[r.off+1 : r.off+1+n])
	r.off += 1 + n
	return s, nil
}

// readName decodes a possibly-compressed name. Back-references must point
// strictly backwards and names assembled through them are capped, so hostile
// pointer chains fail instead of looping or exploding.
func (r *packetReader) readName() (string, error) {
	var b strings.Builder
	off := r.off
	jumped := false
	hops := 0
	for {
		if off >= len(r.data) {
			return "", errTruncated
		}
		l := int(r.data[off])
		switch {
		case l == 0:
			if !jumped {
				r.off = off + 1
			}
			return b.String(), nil
		case l&0xC0 == 0xC0:
			if off+1 >= len(r.data) {
				return "", errTruncated
			}
			ptr := (l&0x3F)<<8 | int(r.data[off+1])
			if !jumped {
				r.off = off + 2
				jumped = true
			}
			if ptr >= off {
				return "", errors.New("zeroconf: compression pointer not backwards")
			}
			hops++
			if hops > maxPointerHops {
				return "", errors.New("zeroconf: too many compression pointers")
			}
			off = ptr
		case l&0xC0 != 0:
			// 0x40/0x80 length prefixes: a label beyond 63 bytes.
			return "", fmt.Errorf("zeroconf: bad label length %#x", l)
		default:
			if off+1+l > len(r.data) {
				return "", errTruncated
			}
			b.Write(r.data[off+1 : off+1+l])
			b.WriteByte('.')
			off += 1 + l
			if !jumped {
				r.off = off
			} else if b.Len() > maxCompressedNameLen {
				return "", errors.New("zeroconf: compressed name too long")
			}
		}
	}
}

func (r *packetReader) readQuestion() (Question, error) {
	name, err := r.readName()
	if err != nil {
		return Question{}, err
	}
	typ, err := r.readUint16()
	if err != nil {
		return Question{}, err
	}
	class, err := r.readUint16()
	if err != nil {
		return Question{}, err
	}
	return Question{Name: name, Type: typ, Class: class}, nil
}

func (r *packetReader) readRecords(n int, now time.Time) ([]Record, error) {
	var recs []Record
	for i := 0; i < n; i++ {
		rec, err := r.readRecord(now)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (r *packetReader) readRecord(now time.Time) (Record, error) {
	name, err := r.readName()
	if err != nil {
		return nil, err
	}
	typ, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	class, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	ttl, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	rdlen, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	end := r.off + int(rdlen)
	if end > len(r.data) {
		return nil, errTruncated
	}
	hdr := RecordHeader{
		Name:    name,
		Type:    typ,
		Class:   class &^ classCacheFlush,
		Unique:  class&classCacheFlush != 0,
		TTL:     ttl,
		Created: now,
	}
	var rec Record
	switch typ {
	case dns.TypeA, dns.TypeAAAA:
		addr, ok := netip.AddrFromSlice(r.data[r.off:end])
		if !ok {
			return nil, fmt.Errorf("zeroconf: malformed address record for %s", name)
		}
		rec = &AddressRecord{hdr, addr.Unmap()}
	case dns.TypePTR:
		alias, err := r.readName()
		if err != nil {
			return nil, err
		}
		rec = &PointerRecord{hdr, alias}
	case dns.TypeTXT:
		rec = &TextRecord{hdr, slices.Clone(r.data[r.off:end])}
	case dns.TypeSRV:
		priority, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		weight, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		port, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		server, err := r.readName()
		if err != nil {
			return nil, err
		}
		rec = &ServiceRecord{hdr, priority, weight, port, server}
	case dns.TypeHINFO:
		cpu, err := r.readCharString()
		if err != nil {
			return nil, err
		}
		os, err := r.readCharString()
		if err != nil {
			return nil, err
		}
		rec = &HostInfoRecord{hdr, cpu, os}
	default:
		// Unsupported type: skip the rdata.
	}
	r.off = end
	return rec, nil
}
