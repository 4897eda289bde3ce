package zeroconf

import (
	"github.com/miekg/dns"
)

// This file implements the responder side of DNS Service Discovery, RFC 6763.
//
// We answer the following PTR queries:
//
// PTR <type>        ->  <instance>              // Service enumeration
// PTR <meta-query>  ->  <type>                  // Meta-service enumeration
//
// A PTR answer carries the records it refers to as additionals: the SRV and
// TXT of the instance and the address records of its server. Non-PTR queries
// (SRV, TXT, A, AAAA, ANY) are answered from the registry directly.
//
// Each incoming packet gets at most a single response packet. Multiple
// questions are answered separately but within the same response. Questions
// with no answers are ignored, and a packet with no answers at all yields
// nil rather than an empty response.

// A responder answers only for what it registered itself, never from the
// cache of other hosts' records.
type queryHandler struct {
	registry *Registry
}

// Response builds the reply to an incoming query, or nil if we have nothing
// to say. A unicast (legacy) reply echoes the query ID and questions; a
// multicast reply carries neither.
func (h *queryHandler) Response(msg *Incoming, unicast bool) *Outgoing {
	out := NewOutgoing(flagResponse | flagAA)
	if unicast {
		out.multicast = false
		out.ID = msg.ID
		out.Questions = append(out.Questions, msg.Questions...)
	}
	for _, q := range msg.Questions {
		if q.matchesType(dns.TypePTR) {
			h.answerPointer(out, msg, q)
		}
		if q.Type != dns.TypePTR {
			h.answerInstance(out, msg, q)
		}
	}
	if len(out.Answers) == 0 {
		return nil
	}
	return out
}

func (h *queryHandler) answerPointer(out *Outgoing, msg *Incoming, q Question) {
	if q.Name == serviceTypeEnumerationName {
		for _, ty := range h.registry.Types() {
			out.AddAnswer(msg, NewPointerRecord(serviceTypeEnumerationName, ty, defaultOtherTTL))
		}
		return
	}
	for _, info := range h.registry.ServicesByType(q.Name) {
		if !out.AddAnswer(msg, info.pointerRecord()) {
			continue
		}
		out.AddAdditional(info.serviceRecord())
		out.AddAdditional(info.textRecord())
		for _, rec := range info.addressRecords() {
			out.AddAdditional(rec)
		}
	}
}

func (h *queryHandler) answerInstance(out *Outgoing, msg *Incoming, q Question) {
	// Address questions name a server, which may host several instances.
	if q.matchesType(dns.TypeA) || q.matchesType(dns.TypeAAAA) {
		seen := false
		for _, info := range h.registry.ServicesByServer(q.Name) {
			if seen {
				break
			}
			for _, rec := range info.addressRecords() {
				out.AddAnswer(msg, rec)
			}
			seen = true
		}
	}

	info := h.registry.Get(q.Name)
	if info == nil {
		return
	}
	if q.matchesType(dns.TypeSRV) {
		if out.AddAnswer(msg, info.serviceRecord()) {
			for _, rec := range info.addressRecords() {
				out.AddAdditional(rec)
			}
		}
	}
	if q.matchesType(dns.TypeTXT) {
		out.AddAnswer(msg, info.textRecord())
	}
}
