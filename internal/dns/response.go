package dns

import "net"

// ResponseForQuery builds a reply Packet to q's original query with the
// given response code and answer records, copying the transaction ID and
// setting QR/RD/RA appropriately. This is the shared base every synthesized
// response (blocked, NXDOMAIN, SERVFAIL, FORMERR) is built from.
func ResponseForQuery(query Packet, code RCode, answers []Record) Packet {
	flags := QRFlag | (query.Header.Flags & (OpcodeMask | RDFlag)) | RAFlag | uint16(code)&RCodeMask
	return Packet{
		Header: Header{
			ID:    query.Header.ID,
			Flags: flags,
		},
		Questions: query.Questions,
		Answers:   answers,
	}
}

// BuildBlockedA synthesizes a single-answer A response pointing at the
// configured sinkhole address, with the given TTL (spec.md's default is a
// short TTL, e.g. 60s, so a later unblock takes effect quickly).
func BuildBlockedA(query Packet, sinkhole net.IP, ttl uint32) Packet {
	name := ""
	if len(query.Questions) > 0 {
		name = query.Questions[0].Name
	}
	answer := Record{
		Name:  name,
		Type:  uint16(TypeA),
		Class: uint16(ClassIN),
		TTL:   ttl,
		Data:  []byte(sinkhole.To4()),
	}
	return ResponseForQuery(query, RCodeNoError, []Record{answer})
}

// BuildBlockedAAAA synthesizes a single-answer AAAA response pointing at
// "::" (the all-zeros address), used when a blocked query asks for an IPv6
// record and no IPv6 sinkhole is configured.
func BuildBlockedAAAA(query Packet, sinkhole net.IP, ttl uint32) Packet {
	name := ""
	if len(query.Questions) > 0 {
		name = query.Questions[0].Name
	}
	addr := sinkhole.To16()
	if addr == nil {
		addr = net.IPv6zero
	}
	answer := Record{
		Name:  name,
		Type:  uint16(TypeAAAA),
		Class: uint16(ClassIN),
		TTL:   ttl,
		Data:  []byte(addr),
	}
	return ResponseForQuery(query, RCodeNoError, []Record{answer})
}

// BuildNXDOMAIN synthesizes a no-such-domain response with no answers.
func BuildNXDOMAIN(query Packet) Packet {
	return ResponseForQuery(query, RCodeNXDomain, nil)
}

// BuildSERVFAIL synthesizes a server-failure response, used when upstream
// resolution fails after retries are exhausted.
func BuildSERVFAIL(query Packet) Packet {
	return ResponseForQuery(query, RCodeServFail, nil)
}

// BuildFORMERR synthesizes a format-error response, used when an inbound
// query fails to parse past the header (so the original question, if any,
// cannot be safely echoed back).
func BuildFORMERR(query Packet) Packet {
	resp := ResponseForQuery(query, RCodeFormErr, nil)
	resp.Questions = nil
	return resp
}

// ExtractTxid reads the 16-bit transaction ID from a raw wire message
// without fully parsing it, used by the retry manager and interface
// binding table to key retries before a full ParsePacket is warranted.
func ExtractTxid(msg []byte) (uint16, bool) {
	if len(msg) < 2 {
		return 0, false
	}
	return uint16(msg[0])<<8 | uint16(msg[1]), true
}

// ExtractTTL returns the TTL of the first answer record in a parsed
// response packet, used by the Response Cache to compute
// min(upstreamTTL, configuredMaxTTL) at store time.
func ExtractTTL(p Packet) (uint32, bool) {
	if len(p.Answers) == 0 {
		return 0, false
	}
	return p.Answers[0].TTL, true
}

// RewriteTTL returns a copy of p with every answer/authority/additional
// record's TTL reduced by elapsed (floored at zero), used by the Response
// Cache to serve a stored response with a TTL reflecting time already
// spent in cache.
func RewriteTTL(p Packet, elapsedSeconds uint32) Packet {
	rewrite := func(records []Record) []Record {
		if len(records) == 0 {
			return records
		}
		out := make([]Record, len(records))
		for i, r := range records {
			if r.TTL > elapsedSeconds {
				r.TTL -= elapsedSeconds
			} else {
				r.TTL = 0
			}
			out[i] = r
		}
		return out
	}
	p.Answers = rewrite(p.Answers)
	p.Authorities = rewrite(p.Authorities)
	p.Additionals = rewrite(p.Additionals)
	return p
}
